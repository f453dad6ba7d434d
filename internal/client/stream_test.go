package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/padlink/internal/telemetry"
	"github.com/dreamware/padlink/internal/wire"
)

// ackServer acknowledges every frame, rejecting those that do not decode.
func ackServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/controller-stream", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ct := telemetry.ContentTypeJSON
			if kind == websocket.BinaryMessage {
				ct = telemetry.ContentTypeCBOR
			}
			ack := wire.Ack{Status: wire.StatusSuccess, Message: "ok"}
			if _, err := telemetry.Decode(ct, data); err != nil {
				ack = wire.Ack{Status: wire.StatusError, Message: err.Error()}
			}
			if err := conn.WriteJSON(ack); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamURL(t *testing.T) {
	assert.Equal(t, "wss://a.ngrok.app/controller-stream", streamURL("https://a.ngrok.app/"))
	assert.Equal(t, "ws://127.0.0.1:5000/controller-stream", streamURL("http://127.0.0.1:5000"))
}

func TestStreamSenderSend(t *testing.T) {
	for _, ct := range []string{telemetry.ContentTypeJSON, telemetry.ContentTypeCBOR} {
		t.Run(ct, func(t *testing.T) {
			srv := ackServer(t)
			sender := NewStreamSender(srv.URL, ct, time.Second, nil)
			defer sender.Close()

			for i := 0; i < 3; i++ {
				assert.True(t, sender.Send(context.Background(), sampleSnapshot()))
			}
		})
	}
}

func TestStreamSenderRedialsAfterFailure(t *testing.T) {
	srv := ackServer(t)
	sender := NewStreamSender(srv.URL, "", time.Second, nil)
	defer sender.Close()

	require.True(t, sender.Send(context.Background(), sampleSnapshot()))

	// Break the connection underneath the sender.
	sender.mu.Lock()
	_ = sender.conn.Close()
	sender.mu.Unlock()

	assert.False(t, sender.Send(context.Background(), sampleSnapshot()))
	assert.True(t, sender.Send(context.Background(), sampleSnapshot()))
}

func TestStreamSenderUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	sender := NewStreamSender(url, "", 200*time.Millisecond, nil)
	assert.False(t, sender.Send(context.Background(), sampleSnapshot()))
	assert.NoError(t, sender.Close())
}
