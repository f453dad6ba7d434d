// Package tunnel restarts the tunnel provider process and discovers the
// public address it assigns to a local port.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/padlink/internal/wire"
)

// ErrNoTunnel is returned when no public URL was reported within the
// configured number of polls.
var ErrNoTunnel = errors.New("no tunnel available")

// ErrStaleProvider is returned when a provider process survives SIGKILL.
var ErrStaleProvider = errors.New("tunnel provider still running")

// Defaults for Config.
const (
	DefaultExecutable   = "ngrok"
	DefaultControlURL   = "http://localhost:4040"
	DefaultPollInterval = time.Second
	DefaultMaxAttempts  = 30
	DefaultPollTimeout  = 2 * time.Second
)

// Config describes how to run and query the tunnel provider.
type Config struct {
	Executable   string        // provider binary; its base name is used to kill stale copies
	Args         []string      // appended after "http <port>"
	ControlURL   string        // base URL of the provider's local status API
	PollInterval time.Duration // delay between status polls
	MaxAttempts  int           // polls per Acquire
	PollTimeout  time.Duration // per-poll request timeout
	StopGrace    time.Duration // SIGTERM to SIGKILL delay for ExecLauncher
}

func (c Config) withDefaults() Config {
	if c.Executable == "" {
		c.Executable = DefaultExecutable
	}
	if c.ControlURL == "" {
		c.ControlURL = DefaultControlURL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	c.ControlURL = strings.TrimRight(c.ControlURL, "/")
	return c
}

// Session is a running tunnel and the public URL it serves.
type Session struct {
	PID       int       `json:"pid"`
	PublicURL string    `json:"public_url"`
	StartedAt time.Time `json:"started_at"`
	Attempts  int       `json:"attempts"` // status polls until ready
}

// Process is a started provider.
type Process interface {
	Pid() int
	// Kill terminates the provider and returns once it has exited.
	Kill() error
}

// Launcher starts and kills provider processes.
type Launcher interface {
	// KillStale terminates every running process named name and returns
	// once they have exited. It is not an error if none exist; an error
	// wrapping ErrStaleProvider means some could not be stopped.
	KillStale(name string) error
	// Start launches name with args, sending its output to out.
	Start(name string, args []string, out io.Writer) (Process, error)
}

// tunnelRecord is one entry of the provider's /api/tunnels response.
type tunnelRecord struct {
	Name      string `json:"name"`
	PublicURL string `json:"public_url"`
	Proto     string `json:"proto"`
}

type tunnelList struct {
	Tunnels []tunnelRecord `json:"tunnels"`
}

// Supervisor owns the provider process. Acquire and Stop may be called from
// different goroutines.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	client   *http.Client
	logger   *slog.Logger

	mu      sync.Mutex
	current Process
}

// NewSupervisor creates a supervisor. A nil launcher runs real processes;
// a nil logger discards output.
func NewSupervisor(cfg Config, launcher Launcher, logger *slog.Logger) *Supervisor {
	cfg = cfg.withDefaults()
	if launcher == nil {
		launcher = ExecLauncher{Grace: cfg.StopGrace}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		client:   &http.Client{Timeout: cfg.PollTimeout},
		logger:   logger,
	}
}

// Acquire restarts the provider for localPort and waits for it to report a
// public URL. The previous provider and any stale copy are stopped, and
// have exited, before the new one starts, so the status API cannot still
// be answering for an old tunnel. The first tunnel record with a non-empty
// public_url wins.
// After MaxAttempts polls it returns an error wrapping ErrNoTunnel; the
// provider is left running and is killed by the next Acquire or Stop.
func (s *Supervisor) Acquire(ctx context.Context, localPort int) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		if err := s.current.Kill(); err != nil {
			s.logger.Warn("stopping previous tunnel provider failed", "pid", s.current.Pid(), "error", err)
		}
		s.current = nil
	}

	name := processName(s.cfg.Executable)
	if err := s.launcher.KillStale(name); err != nil {
		if errors.Is(err, ErrStaleProvider) {
			return Session{}, fmt.Errorf("%w: %w", ErrNoTunnel, err)
		}
		s.logger.Warn("killing stale tunnel provider failed", "name", name, "error", err)
	}

	args := append([]string{"http", strconv.Itoa(localPort)}, s.cfg.Args...)
	proc, err := s.launcher.Start(s.cfg.Executable, args, logWriter{s.logger})
	if err != nil {
		return Session{}, fmt.Errorf("%w: starting %s: %w", ErrNoTunnel, s.cfg.Executable, err)
	}
	s.current = proc
	started := time.Now()
	s.logger.Info("tunnel provider started", "pid", proc.Pid(), "port", localPort)

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		url, err := s.poll(ctx)
		if err == nil {
			s.logger.Info("tunnel ready", "url", url, "attempts", attempt)
			return Session{PID: proc.Pid(), PublicURL: url, StartedAt: started, Attempts: attempt}, nil
		}
		lastErr = err
		s.logger.Debug("tunnel not ready", "attempt", attempt, "error", err)

		if attempt == s.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return Session{}, ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
	return Session{}, fmt.Errorf("%w after %d attempts: %w", ErrNoTunnel, s.cfg.MaxAttempts, lastErr)
}

// poll queries the status API once.
func (s *Supervisor) poll(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	defer cancel()

	var list tunnelList
	if err := wire.GetJSON(ctx, s.client, s.cfg.ControlURL+"/api/tunnels", &list); err != nil {
		return "", err
	}
	idx := slices.IndexFunc(list.Tunnels, func(t tunnelRecord) bool { return t.PublicURL != "" })
	if idx < 0 {
		return "", errors.New("no tunnel with a public url yet")
	}
	return list.Tunnels[idx].PublicURL, nil
}

// Stop kills the provider started by the last Acquire, if any.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	err := s.current.Kill()
	s.logger.Info("tunnel provider stopped", "pid", s.current.Pid())
	s.current = nil
	return err
}

// processName is the name stale providers are matched by.
func processName(executable string) string {
	if i := strings.LastIndexAny(executable, `/\`); i >= 0 {
		return executable[i+1:]
	}
	return executable
}

// logWriter forwards provider output lines to the logger at debug level.
type logWriter struct{ logger *slog.Logger }

func (w logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.logger.Debug("tunnel provider", "output", line)
		}
	}
	return len(p), nil
}
