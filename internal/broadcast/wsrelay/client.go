package wsrelay

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hanpama/protosync/internal/broadcast"
)

// ErrClosed is returned by Client methods after Close.
var ErrClosed = errors.New("wsrelay: client closed")

// Client forwards the messages published on a local Bus to a Hub and
// dispatches the frames it receives from the Hub on that Bus.
type Client struct {
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	Log    zerolog.Logger

	bus *broadcast.Bus

	mu     sync.Mutex
	send   chan []byte
	closed bool
	unsub  func()
	done   chan struct{}
}

// NewClient returns a Client for bus. Call Connect to start relaying.
func NewClient(bus *broadcast.Bus, log zerolog.Logger) *Client {
	return &Client{bus: bus, Log: log, done: make(chan struct{})}
}

// Connect dials the hub at url and relays until the connection ends or
// Close is called. The dial honours ctx; the connection outlives it.
func (c *Client) Connect(ctx context.Context, url string) error {
	d := c.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	wc, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		wc.Close()
		return ErrClosed
	}
	c.send = make(chan []byte, sendBuffer)
	c.unsub = c.bus.Tap(c.forward)
	c.mu.Unlock()

	go func() {
		writeLoop(wc, c.send)
		wc.Close()
	}()
	go func() {
		defer close(c.done)
		defer wc.Close()
		c.read(wc)
		c.Close()
	}()
	c.Log.Info().Str("url", url).Msg("relay connected")
	return nil
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close stops forwarding and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.unsub != nil {
		c.unsub()
	}
	if c.send != nil {
		close(c.send)
	}
	return nil
}

// forward runs on the local bus for every message. Relayed messages came
// from the hub and go no further.
func (c *Client) forward(ctx context.Context, m broadcast.Message) {
	if m.Relayed {
		return
	}
	data, err := encode(m)
	if err != nil {
		c.Log.Warn().Err(err).Str("channel", m.Channel).Msg("relay encode failed")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.Log.Warn().Str("channel", m.Channel).Msg("relay queue full, message dropped")
	}
}

func (c *Client) read(wc *websocket.Conn) {
	for {
		op, data, err := wc.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.Log.Warn().Err(err).Msg("relay connection lost")
			}
			return
		}
		if op != websocket.TextMessage {
			continue
		}
		m, err := decode(data)
		if err != nil {
			c.Log.Warn().Err(err).Msg("relay frame dropped")
			continue
		}
		c.bus.Dispatch(context.Background(), m)
	}
}
