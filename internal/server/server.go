// Package server exposes a protocol.Adapter as the protosync.v1.Resource
// gRPC service. The service has no generated stubs: requests and responses
// are google.protobuf.Struct messages whose fields are defined in grpcrt.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	eventbus "github.com/hanpama/protosync/internal/eventbus"
	events "github.com/hanpama/protosync/internal/events"
	"github.com/hanpama/protosync/internal/grpcrt"
	"github.com/hanpama/protosync/internal/protocol"
	"github.com/hanpama/protosync/internal/reqid"
)

// Server answers Resource calls from an Adapter.
type Server struct {
	adapter protocol.Adapter
	opt     Options
}

type Options struct {
	// Timeout sets a default timeout if the incoming context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	// Log receives one line per failed call and, at debug level, per call.
	Log zerolog.Logger
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithLogger(l zerolog.Logger) Option { return func(o *Options) { o.Log = l } }

// New returns a Server backed by adapter.
func New(adapter protocol.Adapter, opts ...Option) *Server {
	op := Options{Timeout: 10 * time.Second, Log: zerolog.Nop()}
	for _, f := range opts {
		f(&op)
	}
	return &Server{adapter: adapter, opt: op}
}

// Register adds the Resource service to g.
func (s *Server) Register(g grpc.ServiceRegistrar) {
	desc := grpc.ServiceDesc{
		ServiceName: grpcrt.Service,
		HandlerType: (*resourceServer)(nil),
		Metadata:    "protosync/v1/resource.proto",
	}
	for _, m := range grpcrt.Methods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: m, Handler: unary(m)})
	}
	g.RegisterService(&desc, s)
}

type resourceServer interface {
	handle(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error)
}

func unary(method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(resourceServer)
		if interceptor == nil {
			return s.handle(ctx, method, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcrt.FullMethod(method)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return s.handle(ctx, method, req.(*structpb.Struct))
		})
	}
}

func (s *Server) handle(ctx context.Context, method string, req *structpb.Struct) (resp *structpb.Struct, err error) {
	if _, ok := ctx.Deadline(); !ok && s.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opt.Timeout)
		defer cancel()
	}
	ctx, rid := requestContext(ctx)
	proto := grpcrt.StringField(req, grpcrt.FieldProtocol)

	start := time.Now()
	eventbus.Publish(ctx, events.ResourceStart{Protocol: proto, Method: method})
	defer func() {
		d := time.Since(start)
		eventbus.Publish(ctx, events.ResourceFinish{
			Protocol: proto, Method: method, Code: status.Code(err), Err: err, Duration: d,
		})
		if err != nil {
			s.opt.Log.Warn().Err(err).Str("reqid", rid).Str("protocol", proto).Str("method", method).Msg("resource call failed")
			return
		}
		s.opt.Log.Debug().Str("reqid", rid).Str("protocol", proto).Str("method", method).Dur("duration", d).Msg("resource call")
	}()

	if proto == "" {
		return nil, grpcrt.ToStatus(fmt.Errorf("%w: missing protocol", protocol.ErrInvalid))
	}
	out, err := s.dispatch(ctx, proto, method, req)
	if err != nil {
		return nil, grpcrt.ToStatus(err)
	}
	resp, err = grpcrt.Encode(out)
	if err != nil {
		return nil, grpcrt.ToStatus(err)
	}
	return resp, nil
}

func (s *Server) dispatch(ctx context.Context, proto, method string, req *structpb.Struct) (map[string]any, error) {
	a := s.adapter
	switch method {
	case grpcrt.MethodGet:
		v, err := a.Get(ctx, proto, grpcrt.MapField(req, grpcrt.FieldRequest))
		return entity(v, err)
	case grpcrt.MethodPost:
		e, err := a.Post(ctx, proto, grpcrt.MapField(req, grpcrt.FieldEntity))
		return entity(e, err)
	case grpcrt.MethodPut:
		e, err := a.Put(ctx, proto, grpcrt.MapField(req, grpcrt.FieldEntity))
		return entity(e, err)
	case grpcrt.MethodPatch:
		id := grpcrt.StringField(req, grpcrt.FieldID)
		path := grpcrt.StringField(req, grpcrt.FieldPath)
		return empty(a.Patch(ctx, proto, id, grpcrt.Field(req, grpcrt.FieldValue), path))
	case grpcrt.MethodDelete:
		return empty(a.Del(ctx, proto, grpcrt.StringField(req, grpcrt.FieldID)))
	case grpcrt.MethodDefault:
		e, err := a.Default(ctx, proto)
		return entity(e, err)
	case grpcrt.MethodRemote:
		op := grpcrt.StringField(req, grpcrt.FieldOp)
		return empty(a.Remote(ctx, proto, op, grpcrt.MapField(req, grpcrt.FieldPayload)))
	}
	return nil, fmt.Errorf("%w: method %s", protocol.ErrUnknownOp, method)
}

func entity[T any](v T, err error) (map[string]any, error) {
	if err != nil {
		return nil, err
	}
	return map[string]any{grpcrt.FieldEntity: v}, nil
}

func empty(err error) (map[string]any, error) {
	if err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

// requestContext reuses the caller's request id when the client sent one.
func requestContext(ctx context.Context) (context.Context, string) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-protosync-request-id"); len(ids) > 0 {
			if _, has := reqid.FromContext(ctx); !has {
				return reqid.WithID(ctx, ids[0]), ids[0]
			}
		}
	}
	return reqid.NewContext(ctx)
}
