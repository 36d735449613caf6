// Package wsrelay carries broadcast messages between processes over
// websockets. A Hub fans every frame a peer sends out to all other peers; a
// Client bridges one local broadcast.Bus to a Hub in both directions.
//
// Frames are JSON text messages {"channel": c, "args": [origin, payload...]}.
// Messages received from the relay are dispatched locally with Relayed set
// and are never sent back out, so a frame crosses the hub exactly once.
package wsrelay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hanpama/protosync/internal/broadcast"
	"github.com/hanpama/protosync/internal/origin"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
)

type frame struct {
	Channel string `json:"channel"`
	Args    []any  `json:"args"`
}

func encode(m broadcast.Message) ([]byte, error) {
	args := make([]any, 0, len(m.Payload)+1)
	args = append(args, string(m.Origin))
	args = append(args, m.Payload...)
	return json.Marshal(frame{Channel: m.Channel, Args: args})
}

func decode(data []byte) (broadcast.Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return broadcast.Message{}, fmt.Errorf("wsrelay: bad frame: %w", err)
	}
	if f.Channel == "" {
		return broadcast.Message{}, errors.New("wsrelay: frame without channel")
	}
	if len(f.Args) == 0 {
		return broadcast.Message{}, errors.New("wsrelay: frame without origin")
	}
	from, ok := f.Args[0].(string)
	if !ok {
		return broadcast.Message{}, fmt.Errorf("wsrelay: origin is %T", f.Args[0])
	}
	return broadcast.Message{
		Channel: f.Channel,
		Origin:  origin.ID(from),
		Payload: f.Args[1:],
		Relayed: true,
	}, nil
}
