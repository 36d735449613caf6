// Package grpctp is the production grpcrt.Transport: it resolves the
// resource server of a protocol through an EndpointProvider, keeps a small
// pool of client connections per endpoint and applies a default deadline.
package grpctp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	eventbus "github.com/hanpama/protosync/internal/eventbus"
	events "github.com/hanpama/protosync/internal/events"
	"github.com/hanpama/protosync/internal/grpcrt"
	"github.com/hanpama/protosync/internal/reqid"
)

// Transport calls the Resource service of whichever endpoint the provider
// returns for a protocol. Connections are shared: each endpoint keeps up to
// MaxConnsPerEndpoint client connections, used in turn.
type Transport struct {
	opts *Options

	mu     sync.Mutex
	conns  map[string]*endpointConns
	closed atomic.Bool
	next   atomic.Uint64
}

func New(opts ...Option) *Transport {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if len(o.DialOptions) == 0 {
		o.DialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
		}
	}
	if o.MaxConnsPerEndpoint <= 0 {
		o.MaxConnsPerEndpoint = 1
	}
	return &Transport{opts: o, conns: make(map[string]*endpointConns)}
}

var _ grpcrt.Transport = (*Transport)(nil)

// Call invokes method of the Resource service for protocol.
func (t *Transport) Call(ctx context.Context, protocol, method string, req *structpb.Struct) (*structpb.Struct, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if t.opts.Provider == nil {
		return nil, fmt.Errorf("grpctp: provider not configured")
	}
	if _, ok := ctx.Deadline(); !ok && t.opts.RPCTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.RPCTimeout)
		defer cancel()
	}
	md := []string{"x-protosync-protocol", protocol}
	if id, ok := reqid.FromContext(ctx); ok {
		md = append(md, "x-protosync-request-id", id)
	}
	ctx = metadata.AppendToOutgoingContext(ctx, md...)

	endpoints, err := t.opts.Provider.Endpoints(ctx, protocol)
	if err != nil {
		return nil, err
	}
	endpoint := endpoints[t.next.Add(1)%uint64(len(endpoints))]
	cc, err := t.conn(endpoint)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	eventbus.Publish(ctx, events.RemoteCallStart{Protocol: protocol, Method: method, Target: endpoint})
	resp := new(structpb.Struct)
	err = cc.Invoke(ctx, grpcrt.FullMethod(method), req, resp)
	eventbus.Publish(ctx, events.RemoteCallFinish{
		Protocol: protocol,
		Method:   method,
		Target:   endpoint,
		Code:     status.Code(err),
		Err:      err,
		Duration: time.Since(start),
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Close closes every connection. Calls made afterwards fail with ErrClosed.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var first error
	for _, ec := range t.conns {
		for _, cc := range ec.all {
			if err := cc.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	t.conns = map[string]*endpointConns{}
	return first
}

type endpointConns struct {
	all  []*grpc.ClientConn
	next int
}

// conn returns a connection to endpoint, dialing a new one while the
// endpoint has fewer than MaxConnsPerEndpoint.
func (t *Transport) conn(endpoint string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return nil, ErrClosed
	}
	ec := t.conns[endpoint]
	if ec == nil {
		ec = &endpointConns{}
		t.conns[endpoint] = ec
	}
	if len(ec.all) < t.opts.MaxConnsPerEndpoint {
		cc, err := grpc.NewClient(endpoint, t.opts.DialOptions...)
		if err != nil {
			return nil, fmt.Errorf("grpctp: dial %s: %w", endpoint, err)
		}
		ec.all = append(ec.all, cc)
		return cc, nil
	}
	cc := ec.all[ec.next%len(ec.all)]
	ec.next++
	return cc, nil
}
