// Package protocol defines the resource adapter bindings persist through,
// keyed by protocol name, together with an in-memory implementation and a
// recording mock.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Entity is a resource record. A persisted entity has a non-empty "id".
type Entity = map[string]any

// Request is a protocol specific query passed through Get.
type Request = map[string]any

// Adapter performs CRUD, targeted patches and custom remote operations
// against the resource behind a protocol name.
//
// Implementations must be safe for concurrent use: bindings do not serialize
// in-flight operations on the same entity.
type Adapter interface {
	// Get returns an Entity or a []any of entities.
	Get(ctx context.Context, proto string, req Request) (any, error)
	// Post creates e and returns the canonical copy with its id.
	Post(ctx context.Context, proto string, e Entity) (Entity, error)
	// Put replaces the entity with e's id and returns the canonical copy.
	Put(ctx context.Context, proto string, e Entity) (Entity, error)
	// Patch sets the property at path (dotted) of entity id to value.
	Patch(ctx context.Context, proto, id string, value any, path string) error
	// Del deletes entity id.
	Del(ctx context.Context, proto, id string) error
	// Default returns the payload a new entity starts from.
	Default(ctx context.Context, proto string) (Entity, error)
	// Remote runs a custom operation such as "pushitem".
	Remote(ctx context.Context, proto, op string, payload map[string]any) error
}

// Operation names, used by recorders, instrumentation and the wire.
const (
	OpGet     = "get"
	OpPost    = "post"
	OpPut     = "put"
	OpPatch   = "patch"
	OpDel     = "delete"
	OpDefault = "default"
	OpRemote  = "remote"
)

var (
	ErrNotFound        = errors.New("protocol: not found")
	ErrUnknownProtocol = errors.New("protocol: unknown protocol")
	ErrUnknownOp       = errors.New("protocol: unknown remote operation")
	ErrInvalid         = errors.New("protocol: invalid request")
)

// IDOf returns the id of an entity value, or "" when v is not an entity or
// has no usable id.
func IDOf(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	switch id := m["id"].(type) {
	case string:
		return id
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case float64:
		if id == math.Trunc(id) {
			return strconv.FormatInt(int64(id), 10)
		}
		return strconv.FormatFloat(id, 'f', -1, 64)
	}
	return ""
}

// Int converts a decoded numeric payload field. Values that crossed a wire
// arrive as float64.
func Int(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrInvalid, n)
		}
		return int(n), nil
	}
	return 0, fmt.Errorf("%w: %T is not an integer", ErrInvalid, v)
}
