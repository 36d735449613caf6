// Package reqid correlates the instrumentation events of one sync operation.
package reqid

import (
	"context"

	"github.com/oklog/ulid/v2"
)

// key is the context key for the operation ID.
type key struct{}

// NewContext returns a copy of parent carrying a new operation ID, unless
// parent already carries one, in which case it is reused so that nested
// calls (a save issuing an RPC) share one ID. It also returns the ID.
func NewContext(parent context.Context) (context.Context, string) {
	if id, ok := FromContext(parent); ok {
		return parent, id
	}
	id := ulid.Make().String()
	return context.WithValue(parent, key{}, id), id
}

// FromContext extracts the operation ID from ctx.
// It returns the ID and whether it was present.
func FromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(key{})
	id, ok := v.(string)
	return id, ok
}

// WithID returns a copy of parent carrying id, such as one received from a
// remote caller.
func WithID(parent context.Context, id string) context.Context {
	return context.WithValue(parent, key{}, id)
}
