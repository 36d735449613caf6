// Package grpcrt implements protocol.Adapter over the protosync.v1.Resource
// gRPC service. Requests and responses are google.protobuf.Struct messages;
// this file defines their fields and the mapping between protocol errors
// and gRPC status codes, shared by the client Runtime and the server.
package grpcrt

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hanpama/protosync/internal/protocol"
)

// Service is the fully-qualified name of the resource service.
const Service = "protosync.v1.Resource"

// Resource service methods.
const (
	MethodGet     = "Get"
	MethodPost    = "Post"
	MethodPut     = "Put"
	MethodPatch   = "Patch"
	MethodDelete  = "Delete"
	MethodDefault = "Default"
	MethodRemote  = "Remote"
)

// Methods lists every method of the service.
var Methods = []string{MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete, MethodDefault, MethodRemote}

// Request and response fields.
const (
	FieldProtocol = "protocol"
	FieldID       = "id"
	FieldEntity   = "entity"
	FieldValue    = "value"
	FieldPath     = "path"
	FieldOp       = "op"
	FieldPayload  = "payload"
	FieldRequest  = "request"
)

// FullMethod returns "/protosync.v1.Resource/<method>".
func FullMethod(method string) string { return "/" + Service + "/" + method }

// Encode builds a request or response message. Values must be what
// structpb.NewValue accepts.
func Encode(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalid, err)
	}
	return s, nil
}

// Field returns the decoded value of a message field, or nil.
func Field(s *structpb.Struct, name string) any {
	if s == nil {
		return nil
	}
	v, ok := s.GetFields()[name]
	if !ok {
		return nil
	}
	return v.AsInterface()
}

// StringField returns a string field, or "".
func StringField(s *structpb.Struct, name string) string {
	v, _ := Field(s, name).(string)
	return v
}

// MapField returns an object field, or nil.
func MapField(s *structpb.Struct, name string) map[string]any {
	v, _ := Field(s, name).(map[string]any)
	return v
}

var codeOf = []struct {
	err  error
	code codes.Code
}{
	{protocol.ErrNotFound, codes.NotFound},
	{protocol.ErrUnknownProtocol, codes.FailedPrecondition},
	{protocol.ErrUnknownOp, codes.Unimplemented},
	{protocol.ErrInvalid, codes.InvalidArgument},
}

// ToStatus converts an adapter error to a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, c := range codeOf {
		if errors.Is(err, c.err) {
			return status.Error(c.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// FromStatus converts a gRPC status error back to the protocol error it was
// made from. Errors without a known code are returned unchanged.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return err
	}
	for _, c := range codeOf {
		if st.Code() == c.code {
			msg := strings.TrimPrefix(st.Message(), c.err.Error()+": ")
			return fmt.Errorf("%w: %s", c.err, msg)
		}
	}
	return err
}
