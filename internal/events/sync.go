package events

import "time"

// SyncStart is emitted before a binding performs a remote operation.
type SyncStart struct {
	Protocol string
	Op       string
	Path     string
}

// SyncFinish is emitted after the remote operation completes.
type SyncFinish struct {
	Protocol string
	Op       string
	Path     string
	Err      error
	Duration time.Duration
}
