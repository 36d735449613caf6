package grpcrt

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// CallRecord captures a single Call invocation for assertions.
type CallRecord struct {
	Protocol string
	Method   string
	// FullMethod is "/protosync.v1.Resource/<method>" for convenience.
	FullMethod string
	// Request is a deep-cloned snapshot of the input.
	Request *structpb.Struct
}

// MockTransport implements Transport and returns pre-seeded responses
// in order, while recording Call invocations for inspection.
type MockTransport struct {
	mu        sync.Mutex
	responses []*structpb.Struct
	errs      []error
	idx       int
	calls     []CallRecord
}

// NewMockTransport creates a MockTransport that will return the provided
// responses in order for successive Call() invocations.
func NewMockTransport(responses ...*structpb.Struct) *MockTransport {
	cp := make([]*structpb.Struct, len(responses))
	copy(cp, responses)
	return &MockTransport{responses: cp}
}

// NewMockTransportWithErrors allows seeding per-call errors alongside responses.
// For call i, if errs[i] is non-nil, Call returns that error and ignores responses[i].
// If errs is shorter than responses, remaining calls will use responses with no error.
func NewMockTransportWithErrors(responses []*structpb.Struct, errs []error) *MockTransport {
	cp := make([]*structpb.Struct, len(responses))
	copy(cp, responses)
	ep := make([]error, len(errs))
	copy(ep, errs)
	return &MockTransport{responses: cp, errs: ep}
}

// Call records the invocation and returns the next queued response.
// If responses are exhausted, it returns an error.
func (m *MockTransport) Call(ctx context.Context, protocol, method string, req *structpb.Struct) (*structpb.Struct, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var clone *structpb.Struct
	if req != nil {
		clone = proto.Clone(req).(*structpb.Struct)
	}
	m.calls = append(m.calls, CallRecord{Protocol: protocol, Method: method, FullMethod: FullMethod(method), Request: clone})

	if m.idx >= len(m.responses) && m.idx >= len(m.errs) {
		return nil, fmt.Errorf("mock transport: no more responses")
	}
	// Error has precedence if provided for this index
	if m.idx < len(m.errs) {
		if err := m.errs[m.idx]; err != nil {
			m.idx++
			return nil, err
		}
	}
	var resp *structpb.Struct
	if m.idx < len(m.responses) {
		resp = m.responses[m.idx]
	}
	m.idx++
	return resp, nil
}

// Calls returns a snapshot of recorded Call invocations.
func (m *MockTransport) Calls() []CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallRecord, len(m.calls))
	copy(out, m.calls)
	return out
}
