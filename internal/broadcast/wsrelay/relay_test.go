package wsrelay

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/protosync/internal/broadcast"
	"github.com/hanpama/protosync/internal/config"
	"github.com/hanpama/protosync/internal/model"
	"github.com/hanpama/protosync/internal/protocol"
	"github.com/hanpama/protosync/internal/state"
)

const waitFor = 2 * time.Second

type inbox struct {
	mu   sync.Mutex
	msgs []broadcast.Message
}

func (in *inbox) add(_ context.Context, m broadcast.Message) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.msgs = append(in.msgs, m)
}

func (in *inbox) all() []broadcast.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]broadcast.Message(nil), in.msgs...)
}

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func join(t *testing.T, url string, bus *broadcast.Bus) *Client {
	t.Helper()
	c := NewClient(bus, zerolog.Nop())
	require.NoError(t, c.Connect(context.Background(), url))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestFrameRoundTrip(t *testing.T) {
	data, err := encode(broadcast.Message{
		Channel: "tasks.update",
		Origin:  "b1",
		Payload: []any{map[string]any{"id": "t1"}},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"channel":"tasks.update","args":["b1",{"id":"t1"}]}`, string(data))

	m, err := decode(data)
	require.NoError(t, err)
	require.True(t, m.Relayed)
	require.Equal(t, "b1", string(m.Origin))
	require.Equal(t, []any{map[string]any{"id": "t1"}}, m.Payload)

	for _, bad := range []string{`nope`, `{"args":["b1"]}`, `{"channel":"c"}`, `{"channel":"c","args":[1]}`} {
		_, err := decode([]byte(bad))
		require.Error(t, err, bad)
	}
}

func TestHubRelaysToOtherPeers(t *testing.T) {
	hub, url := startHub(t)
	a, b, c := broadcast.New(), broadcast.New(), broadcast.New()
	var inA, inB, inC inbox
	a.Tap(inA.add)
	b.Tap(inB.add)
	c.Tap(inC.add)
	join(t, url, a)
	join(t, url, b)
	join(t, url, c)
	require.Eventually(t, func() bool { return hub.Peers() == 3 }, waitFor, 10*time.Millisecond)

	a.Publish(context.Background(), "tasks.delete", "origin-a", "t1")

	require.Eventually(t, func() bool { return len(inB.all()) == 1 && len(inC.all()) == 1 }, waitFor, 10*time.Millisecond)
	got := inB.all()[0]
	require.Equal(t, "tasks.delete", got.Channel)
	require.Equal(t, "origin-a", string(got.Origin))
	require.Equal(t, []any{"t1"}, got.Payload)
	require.True(t, got.Relayed)

	// Relayed messages are not forwarded again: nobody sees a second copy
	// and the publisher never hears its own message back.
	time.Sleep(50 * time.Millisecond)
	require.Len(t, inA.all(), 1)
	require.False(t, inA.all()[0].Relayed)
	require.Len(t, inB.all(), 1)
	require.Len(t, inC.all(), 1)
}

func TestHubDropsMalformedFrames(t *testing.T) {
	hub, url := startHub(t)
	bus := broadcast.New()
	var in inbox
	bus.Tap(in.add)
	join(t, url, bus)

	raw, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer raw.Close()
	require.Eventually(t, func() bool { return hub.Peers() == 2 }, waitFor, 10*time.Millisecond)

	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"channel":""}`)))
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"channel":"x","args":["raw"]}`)))
	require.Eventually(t, func() bool { return len(in.all()) == 1 }, waitFor, 10*time.Millisecond)
	require.Equal(t, "x", in.all()[0].Channel)
}

func TestClientCloseLeavesHub(t *testing.T) {
	hub, url := startHub(t)
	c := join(t, url, broadcast.New())
	require.Eventually(t, func() bool { return hub.Peers() == 1 }, waitFor, 10*time.Millisecond)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("connection not closed")
	}
	require.Eventually(t, func() bool { return hub.Peers() == 0 }, waitFor, 10*time.Millisecond)
	require.ErrorIs(t, c.Connect(context.Background(), url), ErrClosed)
}

// Two processes share a store and a relay. An edit autosaved by one is
// reconciled into the other without being saved again.
func TestModelsConvergeAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	hub, url := startHub(t)
	store := protocol.NewMemory().Register("tasks", protocol.Entity{"title": ""})
	require.NoError(t, store.Seed("tasks", map[string]any{"id": "t1", "title": "one"}))

	process := func() (*model.Syncer, *model.Model) {
		s := model.NewSyncer(state.New(), store, broadcast.New())
		m, err := model.Bind(s, config.Binding{Path: "current", Protocol: "tasks", AutoSave: true})
		require.NoError(t, err)
		t.Cleanup(func() { _ = m.Close() })
		_, err = m.Load(ctx, protocol.Request{"id": "t1"})
		require.NoError(t, err)
		join(t, url, s.Bus)
		return s, m
	}
	a, ma := process()
	b, mb := process()
	var saved inbox
	b.Bus.Tap(saved.add)
	require.Eventually(t, func() bool { return hub.Peers() == 2 }, waitFor, 10*time.Millisecond)

	require.NoError(t, a.Tree.Set("current.title", "edited"))
	ma.Wait()

	require.Eventually(t, func() bool { return b.Tree.Get("current.title") == "edited" }, waitFor, 10*time.Millisecond)
	mb.Wait()
	require.Equal(t, model.StatusLoaded, mb.Status())
	for _, m := range saved.all() {
		require.True(t, m.Relayed, "process b published %s", m.Channel)
	}
}
