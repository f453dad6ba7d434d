package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dreamware/padlink/internal/telemetry"
	"github.com/dreamware/padlink/internal/wire"
)

// StreamSender delivers snapshots over one WebSocket to
// <endpoint>/controller-stream, dialing lazily and redialing on the next
// Send after any failure.
type StreamSender struct {
	url         string
	contentType string
	timeout     time.Duration
	dialer      websocket.Dialer
	logger      *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	acks chan wire.Ack
	errC chan error
}

// NewStreamSender returns a sender for the given http(s) endpoint.
func NewStreamSender(endpoint, contentType string, timeout time.Duration, logger *slog.Logger) *StreamSender {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if contentType == "" {
		contentType = telemetry.ContentTypeJSON
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &StreamSender{
		url:         streamURL(endpoint),
		contentType: contentType,
		timeout:     timeout,
		logger:      logger,
		dialer: websocket.Dialer{
			HandshakeTimeout: timeout,
			NetDialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 15 * time.Second,
			}).DialContext,
		},
	}
}

func streamURL(endpoint string) string {
	endpoint = strings.TrimRight(endpoint, "/")
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint + "/controller-stream"
}

// Send writes one snapshot and waits for its acknowledgement.
func (s *StreamSender) Send(ctx context.Context, snap telemetry.Snapshot) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("stream send panicked", "error", r)
			ok = false
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConn(ctx); err != nil {
		s.logger.Warn("stream dial failed", "url", s.url, "error", fmt.Errorf("%w: %w", ErrTransport, err))
		return false
	}

	body, err := telemetry.Encode(s.contentType, snap)
	if err != nil {
		s.logger.Warn("encoding snapshot failed", "error", err)
		return false
	}
	kind := websocket.TextMessage
	if s.contentType == telemetry.ContentTypeCBOR {
		kind = websocket.BinaryMessage
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := s.conn.WriteMessage(kind, body); err != nil {
		s.dropConn(err)
		return false
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case ack := <-s.acks:
		if ack.Status != wire.StatusSuccess {
			s.logger.Warn("stream message rejected", "message", ack.Message)
			return false
		}
		return true
	case err := <-s.errC:
		s.dropConn(err)
		return false
	case <-timer.C:
		s.dropConn(fmt.Errorf("no acknowledgement within %s", s.timeout))
		return false
	case <-ctx.Done():
		s.dropConn(ctx.Err())
		return false
	}
}

// Close closes the current connection, if any.
func (s *StreamSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *StreamSender) ensureConn(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	conn, _, err := s.dialer.DialContext(ctx, s.url, wire.RequestHeader())
	if err != nil {
		return err
	}
	conn.SetReadLimit(wire.MaxBodySize)

	s.conn = conn
	s.acks = make(chan wire.Ack, 1)
	s.errC = make(chan error, 1)
	go readAcks(conn, s.acks, s.errC)
	s.logger.Info("stream connected", "url", s.url)
	return nil
}

// readAcks runs for the life of conn. Reading also answers server pings.
func readAcks(conn *websocket.Conn, acks chan<- wire.Ack, errC chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case errC <- err:
			default:
			}
			return
		}
		var ack wire.Ack
		if err := json.Unmarshal(data, &ack); err != nil {
			continue
		}
		select {
		case acks <- ack:
		default:
		}
	}
}

func (s *StreamSender) dropConn(err error) {
	s.logger.Warn("stream connection dropped", "url", s.url, "error", fmt.Errorf("%w: %w", ErrTransport, err))
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
