package grpctp

import (
	"context"
	"sync"
)

// EndpointProvider provides a list of reachable endpoints (host:port) for a
// protocol name (e.g. "tasks"). Implementations may integrate with service
// discovery/registry systems. Return at least one endpoint or an error.
// Implementations should be safe for concurrent use.
type EndpointProvider interface {
	Endpoints(ctx context.Context, protocol string) ([]string, error)
}

// Any is the StaticEndpoints key consulted for protocols without an entry
// of their own.
const Any = "*"

// StaticEndpoints is a simple provider backed by an in-memory map.
// Key is the protocol name or Any; value is list of endpoints.
type StaticEndpoints struct {
	mu   sync.RWMutex
	data map[string][]string
}

func NewStaticEndpoints(m map[string][]string) *StaticEndpoints {
	cp := make(map[string][]string, len(m))
	for k, v := range m {
		vv := make([]string, len(v))
		copy(vv, v)
		cp[k] = vv
	}
	return &StaticEndpoints{data: cp}
}

// Set replaces the endpoints of protocol.
func (s *StaticEndpoints) Set(protocol string, endpoints ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[protocol] = append([]string(nil), endpoints...)
}

func (s *StaticEndpoints) Endpoints(ctx context.Context, protocol string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.data[protocol]
	if len(arr) == 0 {
		arr = s.data[Any]
	}
	if len(arr) == 0 {
		return nil, ErrNoEndpoints
	}
	out := make([]string, len(arr))
	copy(out, arr)
	return out, nil
}
