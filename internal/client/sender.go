package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/padlink/internal/telemetry"
	"github.com/dreamware/padlink/internal/wire"
)

// DefaultRequestTimeout bounds each telemetry request.
const DefaultRequestTimeout = 10 * time.Second

// ErrTransport marks a delivery failure recorded by a Transport.
var ErrTransport = errors.New("telemetry transport failed")

// Transport delivers one snapshot. Send reports success and never panics.
type Transport interface {
	Send(ctx context.Context, snap telemetry.Snapshot) bool
}

// Sender posts snapshots to <endpoint>/controller-input.
type Sender struct {
	endpoint    string
	client      *http.Client
	contentType string
	logger      *slog.Logger

	mu      sync.Mutex
	lastErr error
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithRequestTimeout sets the per-request timeout.
func WithRequestTimeout(d time.Duration) SenderOption {
	return func(s *Sender) { s.client = &http.Client{Timeout: d} }
}

// WithContentType selects JSON (default) or CBOR bodies.
func WithContentType(contentType string) SenderOption {
	return func(s *Sender) { s.contentType = contentType }
}

// WithSenderLogger sets the logger.
func WithSenderLogger(logger *slog.Logger) SenderOption {
	return func(s *Sender) { s.logger = logger }
}

// NewSender returns a Sender for the resolved endpoint.
func NewSender(endpoint string, opts ...SenderOption) *Sender {
	s := &Sender{
		endpoint:    strings.TrimRight(endpoint, "/"),
		client:      &http.Client{Timeout: DefaultRequestTimeout},
		contentType: telemetry.ContentTypeJSON,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Endpoint returns the base URL the sender posts to.
func (s *Sender) Endpoint() string { return s.endpoint }

// Send posts one snapshot. It returns false on any failure, including a
// timeout or a non-2xx response, and does not retry.
func (s *Sender) Send(ctx context.Context, snap telemetry.Snapshot) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.fail(fmt.Errorf("%w: panic: %v", ErrTransport, r))
			ok = false
		}
	}()

	body, err := telemetry.Encode(s.contentType, snap)
	if err != nil {
		s.fail(fmt.Errorf("%w: encoding: %w", ErrTransport, err))
		return false
	}

	var ack wire.Ack
	err = wire.Do(ctx, s.client, http.MethodPost, s.endpoint+"/controller-input", s.contentType, body, &ack)
	if err != nil {
		s.fail(fmt.Errorf("%w: %w", ErrTransport, err))
		return false
	}
	s.succeed()
	return true
}

// CheckConnection probes <endpoint>/check-connection.
func (s *Sender) CheckConnection(ctx context.Context) bool {
	var ack wire.Ack
	if err := wire.GetJSON(ctx, s.client, s.endpoint+"/check-connection", &ack); err != nil {
		s.logger.Warn("connection check failed", "endpoint", s.endpoint, "error", err)
		return false
	}
	return ack.Status == wire.StatusOK
}

// LastError returns the error from the most recent failed Send, or nil if
// the most recent Send succeeded.
func (s *Sender) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Sender) fail(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.logger.Warn("sending controller data failed", "error", err)
}

func (s *Sender) succeed() {
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
}
