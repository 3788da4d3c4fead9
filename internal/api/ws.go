// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gifpress/gifpress/internal/bus"
	"github.com/gifpress/gifpress/internal/metrics"
)

const (
	// pingInterval is the server heartbeat; a client that misses
	// pongs for a full interval past the deadline is closed.
	pingInterval = 30 * time.Second
	pongWait     = pingInterval + 15*time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Trusted network, no auth: browsers on other origins may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsMessage struct {
	Type  string `json:"type"`
	JobID string `json:"jobId,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// handleWebSocket relays every job and queue event to the client.
// Filtering by job is the client's responsibility; after a reconnect
// the client reconciles via the REST listing.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	metrics.WSClients.Inc()
	sub := s.bus.Subscribe()
	done := make(chan struct{})
	pongReq := make(chan struct{}, 1)

	logger := s.log.With().Str("remote", r.RemoteAddr).Logger()
	logger.Debug().Msg("websocket connected")

	// Reader: consumes client PINGs and protocol pongs, detects close.
	// All writes stay on the main loop; gorilla connections allow only
	// one concurrent writer.
	go func() {
		defer close(done)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg wsMessage
			if json.Unmarshal(raw, &msg) == nil && msg.Type == "PING" {
				select {
				case pongReq <- struct{}{}:
				default:
				}
			}
		}
	}()

	s.wsSend(conn, wsMessage{Type: "CONNECTED"})

	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		s.bus.Unsubscribe(sub)
		_ = conn.Close()
		metrics.WSClients.Dec()
		logger.Debug().Msg("websocket closed")
	}()

	for {
		select {
		case <-done:
			return
		case <-pongReq:
			if !s.wsSend(conn, wsMessage{Type: "PONG"}) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				// Dropped by the bus for falling behind; the
				// client reconnects and reconciles via REST.
				return
			}
			if !s.wsSend(conn, eventMessage(ev)) {
				return
			}
		}
	}
}

func (s *Server) wsSend(conn *websocket.Conn, msg wsMessage) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg) == nil
}

func eventMessage(ev bus.Event) wsMessage {
	if ev.Job != nil {
		return wsMessage{Type: "JOB_STATUS_UPDATE", JobID: ev.JobID, Data: ev.Job}
	}
	return wsMessage{Type: "QUEUE_UPDATE", Data: ev.Queue}
}
