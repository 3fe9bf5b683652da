// Package wstransport bridges a *websocket.Conn to the Client Hub's
// Transport interface and runs the per-connection read loop, grounded on
// the teacher's HandleTerminalWS reader/writer goroutine pair.
package wstransport

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/shelltender/shelltender/internal/hub"
)

// pongWait bounds how long the connection is kept alive without a pong.
const pongWait = 60 * time.Second

// pingInterval must be well under pongWait so pings arrive before the
// deadline lapses.
const pingInterval = (pongWait * 9) / 10

// pingWriteWait bounds how long a single control-frame write may block.
const pingWriteWait = 10 * time.Second

// Conn adapts a *websocket.Conn to hub.Transport.
type Conn struct {
	ws *websocket.Conn
}

// New wraps ws.
func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send writes a single text frame.
func (c *Conn) Send(frame []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// Serve registers clientID with h over ws and blocks until the connection
// closes, reading inbound frames and dispatching them to h. Call this from
// the HTTP handler goroutine that owns the upgraded connection.
func Serve(h *hub.Hub, clientID string, ws *websocket.Conn) {
	conn := New(ws)
	client := h.RegisterClient(clientID, conn)
	defer h.RemoveClient(clientID)

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go runPingLoop(ws, stopPing)

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		h.HandleMessage(client, message)
	}
}

// runPingLoop sends pings via WriteControl, the one gorilla/websocket write
// method documented safe to call concurrently with the regular writer (the
// hub's write pump uses WriteMessage on the same connection).
func runPingLoop(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteWait)); err != nil {
				logrus.WithError(err).Debug("wstransport: ping failed, connection likely closed")
				return
			}
		case <-stop:
			return
		}
	}
}
