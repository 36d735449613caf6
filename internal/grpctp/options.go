package grpctp

import (
	"time"

	"google.golang.org/grpc"
)

// Options configures the transport.
//
// Defaults:
// - MaxConnsPerEndpoint: 2 shared connections, used in turn
// - RPCTimeout:          3s, applied when the caller's context has no deadline
// - DialOptions:         insecure credentials with the default backoff
//
// Calls fail while Provider is nil.
type Options struct {
	Provider EndpointProvider

	MaxConnsPerEndpoint int
	RPCTimeout          time.Duration

	DialOptions []grpc.DialOption
}

type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		MaxConnsPerEndpoint: 2,
		RPCTimeout:          3 * time.Second,
	}
}

func WithProvider(p EndpointProvider) Option { return func(o *Options) { o.Provider = p } }
func WithMaxConnsPerEndpoint(n int) Option   { return func(o *Options) { o.MaxConnsPerEndpoint = n } }

// WithRPCTimeout sets the default deadline. A zero d keeps the current one.
func WithRPCTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.RPCTimeout = d
		}
	}
}

func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *Options) { o.DialOptions = opts }
}
