package events

import (
	"time"

	"google.golang.org/grpc/codes"
)

// RemoteCallStart is emitted before a resource RPC.
type RemoteCallStart struct {
	Protocol string
	Method   string
	Target   string
}

// RemoteCallFinish is emitted after a resource RPC completes.
type RemoteCallFinish struct {
	Protocol string
	Method   string
	Target   string
	Code     codes.Code
	Err      error
	Duration time.Duration
}

// ResourceStart is emitted when the resource server receives a call.
type ResourceStart struct {
	Protocol string
	Method   string
}

// ResourceFinish is emitted after the resource server answered a call.
type ResourceFinish struct {
	Protocol string
	Method   string
	Code     codes.Code
	Err      error
	Duration time.Duration
}
