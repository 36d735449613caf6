package grpcrt

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"
)

// Transport carries one resource call to the server responsible for a
// protocol. Implementations MUST be safe for concurrent use: autosave issues
// calls from several goroutines.
//
// Provided implementations:
//   - internal/grpctp.Transport: production client with pooling and timeouts
//   - MockTransport: recorder for tests
type Transport interface {
	// Call invokes method (one of the Method constants) of the Resource
	// service for proto.
	Call(ctx context.Context, proto, method string, req *structpb.Struct) (*structpb.Struct, error)
}
