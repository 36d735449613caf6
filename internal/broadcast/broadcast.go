// Package broadcast is the named-channel bus bindings use to tell each other
// about remote changes. Every message carries the origin id of the binding
// that published it; Guard drops a binding's own echoes before anything else
// sees them.
package broadcast

import (
	"context"
	"sync"

	eventbus "github.com/hanpama/protosync/internal/eventbus"
	events "github.com/hanpama/protosync/internal/events"
	"github.com/hanpama/protosync/internal/origin"
)

// Message is one broadcast.
type Message struct {
	Channel string
	Origin  origin.ID
	Payload []any
	// Relayed marks messages received from another process. Relays do not
	// forward them again.
	Relayed bool
}

// Handler receives broadcast messages.
type Handler func(ctx context.Context, m Message)

// UpdateChannel is the channel a protocol's updated entities are announced on.
func UpdateChannel(proto string) string { return proto + ".update" }

// DeleteChannel is the channel a protocol's deleted ids are announced on.
func DeleteChannel(proto string) string { return proto + ".delete" }

type sub struct {
	id int
	h  Handler
}

// Bus delivers messages synchronously, in the publisher's goroutine, to the
// subscribers of the message channel and then to taps. Delivery order is
// causal per publisher; nothing is guaranteed across publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]sub
	taps   []sub
	nextID int
}

// New returns an empty Bus.
func New() *Bus { return &Bus{subs: make(map[string][]sub)} }

// Publish sends payload on channel on behalf of from.
func (b *Bus) Publish(ctx context.Context, channel string, from origin.ID, payload ...any) {
	b.Dispatch(ctx, Message{Channel: channel, Origin: from, Payload: payload})
}

// Dispatch delivers a prepared message.
func (b *Bus) Dispatch(ctx context.Context, m Message) {
	eventbus.Publish(ctx, events.BroadcastPublished{Channel: m.Channel, Origin: string(m.Origin)})
	b.mu.RLock()
	hs := append([]sub(nil), b.subs[m.Channel]...)
	hs = append(hs, b.taps...)
	b.mu.RUnlock()
	for _, s := range hs {
		s.h(ctx, m)
	}
}

// Subscribe registers h for channel.
func (b *Bus) Subscribe(channel string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[channel] = append(b.subs[channel], sub{id: id, h: h})
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs[channel] = remove(b.subs[channel], id)
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
	}
}

// Tap registers h for every channel. Taps run after channel subscribers.
func (b *Bus) Tap(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.taps = append(b.taps, sub{id: id, h: h})
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.taps = remove(b.taps, id)
	}
}

func remove(subs []sub, id int) []sub {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Guard wraps h so that messages published by self never reach it. The
// origin check runs before h does anything: applying an own echo would
// trigger autosave again and loop.
func Guard(self origin.ID, h Handler) Handler {
	return func(ctx context.Context, m Message) {
		if m.Origin == self {
			eventbus.Publish(ctx, events.BroadcastSuppressed{Channel: m.Channel, Origin: string(m.Origin)})
			return
		}
		h(ctx, m)
	}
}
