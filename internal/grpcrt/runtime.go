package grpcrt

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hanpama/protosync/internal/protocol"
)

// Runtime implements protocol.Adapter by calling the Resource service
// through a Transport.
//
// Numbers travel as google.protobuf.Value doubles, so integer fields of
// entities come back as float64. Status errors are mapped back to the
// protocol sentinel errors, so callers can keep using errors.Is.
type Runtime struct {
	transport Transport
}

var _ protocol.Adapter = (*Runtime)(nil)

func NewRuntime(transport Transport) *Runtime {
	return &Runtime{transport: transport}
}

func (r *Runtime) call(ctx context.Context, proto, method string, fields map[string]any) (*structpb.Struct, error) {
	fields[FieldProtocol] = proto
	req, err := Encode(fields)
	if err != nil {
		return nil, err
	}
	resp, err := r.transport.Call(ctx, proto, method, req)
	if err != nil {
		return nil, FromStatus(err)
	}
	return resp, nil
}

func (r *Runtime) entity(ctx context.Context, proto, method string, fields map[string]any) (protocol.Entity, error) {
	resp, err := r.call(ctx, proto, method, fields)
	if err != nil {
		return nil, err
	}
	e := MapField(resp, FieldEntity)
	if e == nil {
		return nil, fmt.Errorf("%w: %s response without entity", protocol.ErrInvalid, method)
	}
	return e, nil
}

func (r *Runtime) Get(ctx context.Context, proto string, req protocol.Request) (any, error) {
	fields := map[string]any{}
	if req != nil {
		fields[FieldRequest] = map[string]any(req)
	}
	resp, err := r.call(ctx, proto, MethodGet, fields)
	if err != nil {
		return nil, err
	}
	return Field(resp, FieldEntity), nil
}

func (r *Runtime) Post(ctx context.Context, proto string, e protocol.Entity) (protocol.Entity, error) {
	return r.entity(ctx, proto, MethodPost, map[string]any{FieldEntity: map[string]any(e)})
}

func (r *Runtime) Put(ctx context.Context, proto string, e protocol.Entity) (protocol.Entity, error) {
	return r.entity(ctx, proto, MethodPut, map[string]any{FieldEntity: map[string]any(e)})
}

func (r *Runtime) Patch(ctx context.Context, proto, id string, value any, path string) error {
	_, err := r.call(ctx, proto, MethodPatch, map[string]any{FieldID: id, FieldValue: value, FieldPath: path})
	return err
}

func (r *Runtime) Del(ctx context.Context, proto, id string) error {
	_, err := r.call(ctx, proto, MethodDelete, map[string]any{FieldID: id})
	return err
}

func (r *Runtime) Default(ctx context.Context, proto string) (protocol.Entity, error) {
	return r.entity(ctx, proto, MethodDefault, map[string]any{})
}

func (r *Runtime) Remote(ctx context.Context, proto, op string, payload map[string]any) error {
	_, err := r.call(ctx, proto, MethodRemote, map[string]any{FieldOp: op, FieldPayload: payload})
	return err
}
