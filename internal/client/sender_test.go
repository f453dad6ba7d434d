package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/padlink/internal/telemetry"
	"github.com/dreamware/padlink/internal/wire"
)

func sampleSnapshot() telemetry.Snapshot {
	return telemetry.Snapshot{
		ButtonStates: map[string]telemetry.ButtonState{"cross": true},
		AxisValues:   map[string]float64{"left_stick_x": -0.5},
		HatValues:    map[string]telemetry.Hat{"hat_0": {0, 0}},
	}
}

func TestSenderSend(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/controller-input", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"status":"success","message":"Controller input received"}`)
	}))
	defer srv.Close()

	sender := NewSender(srv.URL + "/")
	assert.Equal(t, srv.URL, sender.Endpoint())
	assert.True(t, sender.Send(context.Background(), sampleSnapshot()))
	assert.NoError(t, sender.LastError())

	assert.Equal(t, map[string]any{"cross": true}, got["button_states"])
	assert.Equal(t, map[string]any{"left_stick_x": -0.5}, got["axis_values"])
	assert.Equal(t, map[string]any{"hat_0": []any{0.0, 0.0}}, got["hat_values"])
}

func TestSenderSendCBOR(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/cbor", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		snap, err := telemetry.DecodeCBOR(body)
		assert.NoError(t, err)
		assert.True(t, sampleSnapshot().Equal(snap))
		_, _ = io.WriteString(w, `{"status":"success","message":"ok"}`)
	}))
	defer srv.Close()

	sender := NewSender(srv.URL, WithContentType(telemetry.ContentTypeCBOR))
	assert.True(t, sender.Send(context.Background(), sampleSnapshot()))
}

func TestSenderSendFailures(t *testing.T) {
	t.Run("bad request", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"status":"error","message":"bad"}`)
		}))
		defer srv.Close()

		sender := NewSender(srv.URL)
		assert.False(t, sender.Send(context.Background(), sampleSnapshot()))
		assert.ErrorIs(t, sender.LastError(), ErrTransport)
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		sender := NewSender(url)
		assert.False(t, sender.Send(context.Background(), sampleSnapshot()))
		assert.False(t, sender.CheckConnection(context.Background()))
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		defer srv.Close()
		defer close(release)

		sender := NewSender(srv.URL, WithRequestTimeout(50*time.Millisecond))
		start := time.Now()
		assert.False(t, sender.Send(context.Background(), sampleSnapshot()))
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("unsupported encoding", func(t *testing.T) {
		sender := NewSender("http://127.0.0.1:1", WithContentType("text/plain"))
		assert.False(t, sender.Send(context.Background(), sampleSnapshot()))
	})
}

func TestSenderDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	assert.False(t, NewSender(srv.URL).Send(context.Background(), sampleSnapshot()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSenderRecoversAfterFailure(t *testing.T) {
	var up atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.Header.Get(wire.SkipBrowserWarningHeader))
		if !up.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"status":"success","message":"Controller input received"}`)
	}))
	defer srv.Close()

	sender := NewSender(srv.URL)
	assert.False(t, sender.Send(context.Background(), sampleSnapshot()))
	assert.ErrorIs(t, sender.LastError(), ErrTransport)

	up.Store(true)
	assert.True(t, sender.Send(context.Background(), sampleSnapshot()))
	assert.NoError(t, sender.LastError())
}

func TestSenderCheckConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/check-connection", r.URL.Path)
		_, _ = io.WriteString(w, `{"status":"ok","message":"Connection successful"}`)
	}))
	defer srv.Close()

	require.True(t, NewSender(srv.URL).CheckConnection(context.Background()))
}
