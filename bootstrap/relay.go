// Package bootstrap wires the client and server protocol halves
// (components G and H) onto a websocket link, the pack-enrichment
// transport named for the bootstrap relay in SPEC_FULL.md §11.
package bootstrap

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yznetwork/overlay/bootstrap/client"
	"github.com/yznetwork/overlay/internal/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSSender sends frames over one websocket connection, serializing
// concurrent writers the way gorilla/websocket requires.
type WSSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

var _ client.Sender = (*WSSender)(nil)

func (s *WSSender) Send(frame interface{}) error {
	buf, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, buf)
}

func (s *WSSender) Close() error { return s.conn.Close() }

// DialRelay opens a websocket connection to the bootstrap server at url
// and returns a Sender the client package can use.
func DialRelay(url string) (*WSSender, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	return &WSSender{conn: conn}, nil
}

// ReadLoop reads length-unframed JSON text messages (websocket already
// frames messages, so no length-prefix codec is needed here, unlike the
// peer-to-peer stream transport) and dispatches each to handle.
func ReadLoop(sender *WSSender, handle func(frameType string, raw json.RawMessage) error) error {
	logger := log.NewModuleLogger(log.Bootstrap)
	for {
		_, data, err := sender.conn.ReadMessage()
		if err != nil {
			return err
		}
		var hdr struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &hdr); err != nil {
			logger.Debug("malformed bootstrap relay frame", "err", err)
			continue
		}
		if err := handle(hdr.Type, data); err != nil {
			logger.Debug("bootstrap relay frame handling error", "type", hdr.Type, "err", err)
		}
	}
}

// UpgradeHandler is the bootstrap server's HTTP handler for the relay
// endpoint: it upgrades the connection and hands the resulting *WSSender
// to onConnect, which owns the read loop and protocol dispatch for this
// participant.
func UpgradeHandler(onConnect func(*WSSender)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		onConnect(&WSSender{conn: conn})
	}
}
