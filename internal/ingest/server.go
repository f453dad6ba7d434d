// Package ingest is the HTTP endpoint that receives controller telemetry.
//
// Routes:
//
//	GET  /check-connection   liveness probe used by clients and the tunnel health monitor
//	POST /controller-input   one snapshot, JSON or CBOR
//	GET  /controller-state   the latest accepted snapshot
//	GET  /controller-stream  WebSocket carrying one snapshot per message
//	GET  /status             ingest counters and, when configured, publisher status
package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const DefaultAddress = "0.0.0.0:5000"

// ServerOptions configures the HTTP server. Zero values take conservative
// defaults.
type ServerOptions struct {
	Addr              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	Logger            *slog.Logger

	// Status, when set, is embedded under "publisher" in GET /status.
	Status func() any
}

// Server hosts the ingestion endpoint.
type Server struct {
	http   *http.Server
	sink   *Latest
	logger *slog.Logger
	opts   ServerOptions

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds a server that records accepted snapshots in sink. It does
// not listen until Start is called.
func NewServer(sink *Latest, opts ServerOptions) *Server {
	if sink == nil {
		sink = NewLatest(nil)
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddress
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.ReadHeaderTimeout == 0 {
		opts.ReadHeaderTimeout = 5 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{sink: sink, logger: opts.Logger, opts: opts}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		WriteTimeout:      opts.WriteTimeout,
		IdleTimeout:       opts.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(opts.Logger.Handler(), slog.LevelWarn),
	}
	return s
}

// Handler returns the route table, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/check-connection", s.handleCheckConnection)
	mux.HandleFunc("/controller-input", s.handleControllerInput)
	mux.HandleFunc("/controller-state", s.handleControllerState)
	mux.HandleFunc("/controller-stream", s.handleStream)
	mux.HandleFunc("/status", s.handleStatus)
	return withRequestLogging(mux, s.logger)
}

// Start binds the listen address and serves in a background goroutine.
// Bind errors are returned; serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		s.logger.Info("ingest server listening", "addr", ln.Addr().String())
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ingest server stopped unexpectedly", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

// Stop stops accepting connections and waits up to ShutdownTimeout for
// in-flight requests to finish.
func (s *Server) Stop(ctx context.Context) error {
	if s.opts.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ShutdownTimeout)
		defer cancel()
	}
	err := s.http.Shutdown(ctx)
	s.logger.Info("ingest server stopped")
	return err
}

func withRequestLogging(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
