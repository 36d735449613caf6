package protocol

import (
	"context"
	"sync"

	"github.com/hanpama/protosync/internal/state"
)

// Call captures a single Adapter invocation for assertions.
type Call struct {
	Op      string
	Proto   string
	ID      string
	Path    string
	Value   any
	Entity  Entity
	Request Request
	// Name and Payload are set for remote operations.
	Name    string
	Payload map[string]any
}

// MockFunc produces the result of one call. The returned value must be an
// Entity for post, put and default.
type MockFunc func(ctx context.Context, c Call) (any, error)

// MockAdapter implements Adapter, recording every call and answering from
// per-operation handlers. Without a handler, post and put echo their entity,
// default returns an empty entity and everything else succeeds with nil.
type MockAdapter struct {
	mu       sync.Mutex
	handlers map[string]MockFunc
	calls    []Call
}

var _ Adapter = (*MockAdapter)(nil)

// NewMockAdapter returns a MockAdapter with default behaviour.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{handlers: map[string]MockFunc{}}
}

// Handle installs fn for op (one of the Op constants).
func (m *MockAdapter) Handle(op string, fn MockFunc) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[op] = fn
	return m
}

// Return makes op answer v.
func (m *MockAdapter) Return(op string, v any) *MockAdapter {
	return m.Handle(op, func(context.Context, Call) (any, error) { return v, nil })
}

// Fail makes op fail with err.
func (m *MockAdapter) Fail(op string, err error) *MockAdapter {
	return m.Handle(op, func(context.Context, Call) (any, error) { return nil, err })
}

// Calls returns a snapshot of recorded calls.
func (m *MockAdapter) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsTo returns the recorded calls of one operation.
func (m *MockAdapter) CallsTo(op string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (m *MockAdapter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *MockAdapter) call(ctx context.Context, c Call) (any, error) {
	if c.Entity != nil {
		c.Entity = state.NewFrom(c.Entity).Get("").(map[string]any)
	}
	m.mu.Lock()
	m.calls = append(m.calls, c)
	fn := m.handlers[c.Op]
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, c)
	}
	switch c.Op {
	case OpPost, OpPut:
		return copyEntity(c.Entity), nil
	case OpDefault:
		return Entity{}, nil
	}
	return nil, nil
}

func (m *MockAdapter) entity(ctx context.Context, c Call) (Entity, error) {
	v, err := m.call(ctx, c)
	if err != nil || v == nil {
		return nil, err
	}
	return v.(Entity), nil
}

func (m *MockAdapter) Get(ctx context.Context, proto string, req Request) (any, error) {
	return m.call(ctx, Call{Op: OpGet, Proto: proto, Request: req})
}

func (m *MockAdapter) Post(ctx context.Context, proto string, e Entity) (Entity, error) {
	return m.entity(ctx, Call{Op: OpPost, Proto: proto, Entity: e})
}

func (m *MockAdapter) Put(ctx context.Context, proto string, e Entity) (Entity, error) {
	return m.entity(ctx, Call{Op: OpPut, Proto: proto, ID: IDOf(e), Entity: e})
}

func (m *MockAdapter) Patch(ctx context.Context, proto, id string, value any, path string) error {
	_, err := m.call(ctx, Call{Op: OpPatch, Proto: proto, ID: id, Value: value, Path: path})
	return err
}

func (m *MockAdapter) Del(ctx context.Context, proto, id string) error {
	_, err := m.call(ctx, Call{Op: OpDel, Proto: proto, ID: id})
	return err
}

func (m *MockAdapter) Default(ctx context.Context, proto string) (Entity, error) {
	return m.entity(ctx, Call{Op: OpDefault, Proto: proto})
}

func (m *MockAdapter) Remote(ctx context.Context, proto, op string, payload map[string]any) error {
	id, _ := payload["id"].(string)
	path, _ := payload["path"].(string)
	_, err := m.call(ctx, Call{Op: OpRemote, Proto: proto, ID: id, Path: path, Name: op, Payload: payload})
	return err
}
