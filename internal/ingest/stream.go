package ingest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dreamware/padlink/internal/telemetry"
	"github.com/dreamware/padlink/internal/wire"
)

const (
	streamPongWait   = 30 * time.Second
	streamPingEvery  = 10 * time.Second
	streamWriteLimit = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are not browsers; the tunnel rewrites Host anyway.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStream upgrades to a WebSocket. Text messages are JSON snapshots,
// binary messages are CBOR. Each message is answered with an Ack; a
// malformed message is answered with an error Ack and the connection stays
// open.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Deadlines are managed per message once upgraded.
	conn.SetReadLimit(wire.MaxBodySize)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(streamPingEvery)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteLimit)); err != nil {
					return
				}
			}
		}
	}()

	s.logger.Info("stream client connected", "remote", r.RemoteAddr)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("stream closed", "remote", r.RemoteAddr, "error", err)
			} else {
				s.logger.Info("stream client disconnected", "remote", r.RemoteAddr)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))

		contentType := telemetry.ContentTypeJSON
		if kind == websocket.BinaryMessage {
			contentType = telemetry.ContentTypeCBOR
		}

		ack := wire.Ack{Status: wire.StatusSuccess, Message: MessageReceived}
		snap, err := telemetry.Decode(contentType, data)
		if err != nil {
			s.sink.reject()
			ack = wire.Ack{Status: wire.StatusError, Message: err.Error()}
		} else {
			s.sink.Accept(snap)
		}

		payload, _ := json.Marshal(ack)
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteLimit))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.logger.Warn("stream write failed", "remote", r.RemoteAddr, "error", err)
			return
		}
	}
}
