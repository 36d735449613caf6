package wsrelay

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Hub is an http.Handler relaying frames between connected peers.
type Hub struct {
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu    sync.Mutex
	peers map[*peer]struct{}
}

type peer struct {
	wc   *websocket.Conn
	send chan []byte
}

// NewHub returns a Hub without peers.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{log: log, peers: make(map[*peer]struct{})}
}

// Peers returns the number of connected peers.
func (h *Hub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wc, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("relay upgrade failed")
		return
	}
	p := &peer{wc: wc, send: make(chan []byte, sendBuffer)}
	h.signon(p)
	h.log.Debug().Str("remote", r.RemoteAddr).Msg("relay peer joined")
	go p.write()
	err = h.read(p)
	h.signoff(p)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("relay peer read failed")
	}
}

func (h *Hub) signon(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[p] = struct{}{}
}

func (h *Hub) signoff(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[p]; ok {
		delete(h.peers, p)
		close(p.send)
	}
}

// Close disconnects every peer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.peers {
		delete(h.peers, p)
		close(p.send)
	}
}

func (h *Hub) read(p *peer) error {
	for {
		op, data, err := p.wc.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return err
			}
			return nil
		}
		if op != websocket.TextMessage {
			continue
		}
		m, err := decode(data)
		if err != nil {
			h.log.Warn().Err(err).Msg("relay frame dropped")
			continue
		}
		h.relay(p, m.Channel, data)
	}
}

func (h *Hub) relay(from *peer, channel string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.peers {
		if p == from {
			continue
		}
		select {
		case p.send <- data:
		default:
			h.log.Warn().Str("channel", channel).Msg("relay peer too slow, frame dropped")
		}
	}
}

func (p *peer) write() {
	defer p.wc.Close()
	writeLoop(p.wc, p.send)
}

// writeLoop sends queued frames and keepalive pings until send is closed.
func writeLoop(wc *websocket.Conn, send <-chan []byte) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case data, ok := <-send:
			if !ok {
				_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = wc.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-t.C:
			_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
