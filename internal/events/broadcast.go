package events

// BroadcastPublished is emitted for every message published on a broadcast bus.
type BroadcastPublished struct {
	Channel string
	Origin  string
}

// BroadcastSuppressed is emitted when a binding drops its own echo.
type BroadcastSuppressed struct {
	Channel string
	Origin  string
}
