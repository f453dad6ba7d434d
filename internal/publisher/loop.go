// Package publisher keeps the directory's server_url record pointing at a
// live tunnel.
//
// The Loop is a state machine:
//
//	ACQUIRE ──ok──▶ PUBLISH ──▶ SLEEP ──(refresh interval or wake)──▶ ACQUIRE
//	   │                │
//	 error            panic
//	   ▼                ▼
//	RECOVER ──(backoff)──▶ ACQUIRE
//
// A failed directory write is logged and the loop still sleeps; only a
// failed acquisition (or a panic) goes through RECOVER. Run returns only
// when its context is cancelled.
package publisher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/padlink/internal/directory"
	"github.com/dreamware/padlink/internal/tunnel"
)

// Defaults for Config.
const (
	DefaultRefreshInterval = time.Hour
	DefaultRecoverBackoff  = 10 * time.Second
)

// State is a publication loop state.
type State int

const (
	StateAcquire State = iota
	StatePublish
	StateSleep
	StateRecover
)

func (s State) String() string {
	switch s {
	case StateAcquire:
		return "acquire"
	case StatePublish:
		return "publish"
	case StateSleep:
		return "sleep"
	case StateRecover:
		return "recover"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Acquirer produces a fresh tunnel for a local port. *tunnel.Supervisor
// implements it.
type Acquirer interface {
	Acquire(ctx context.Context, localPort int) (tunnel.Session, error)
}

// Config controls the loop timing.
type Config struct {
	LocalPort       int
	Key             string // directory key, default server_url
	RefreshInterval time.Duration
	RecoverBackoff  time.Duration
}

// Cycle records one pass through ACQUIRE and PUBLISH.
type Cycle struct {
	ID         string    `json:"id"`
	Attempts   int       `json:"attempts"` // status polls used; zero when acquisition failed
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	URL        string    `json:"url,omitempty"`
	Err        string    `json:"error,omitempty"`
	Published  bool      `json:"published"`
}

// Loop is the endpoint publication loop.
type Loop struct {
	cfg     Config
	tunnels Acquirer
	dir     directory.Directory
	logger  *slog.Logger
	wake    chan struct{}

	mu          sync.RWMutex
	state       State
	last        *Cycle
	cycles      int
	onPublished func(url string)
}

// NewLoop creates a loop. Zero durations take the defaults.
func NewLoop(cfg Config, tunnels Acquirer, dir directory.Directory, logger *slog.Logger) *Loop {
	if cfg.Key == "" {
		cfg.Key = directory.ServerURLKey
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.RecoverBackoff <= 0 {
		cfg.RecoverBackoff = DefaultRecoverBackoff
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loop{
		cfg:     cfg,
		tunnels: tunnels,
		dir:     dir,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// SetOnPublished registers a callback invoked after each successful write.
func (l *Loop) SetOnPublished(fn func(url string)) {
	l.mu.Lock()
	l.onPublished = fn
	l.mu.Unlock()
}

// Refresh ends the current SLEEP early. It never blocks.
func (l *Loop) Refresh() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// LastCycle returns the most recently finished cycle.
func (l *Loop) LastCycle() (Cycle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.last == nil {
		return Cycle{}, false
	}
	return *l.last, true
}

// Cycles returns how many cycles have finished.
func (l *Loop) Cycles() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cycles
}

// Run drives the state machine until ctx is cancelled, then returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	state := StateAcquire
	var cycle Cycle

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.setState(state)

		switch state {
		case StateAcquire:
			l.drainWake()
			cycle = Cycle{ID: uuid.NewString(), StartedAt: time.Now()}
			l.logger.Info("publication cycle started", "cycle", cycle.ID, "port", l.cfg.LocalPort)

			session, err := l.acquire(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				cycle.Err = err.Error()
				l.finish(cycle)
				l.logger.Error("tunnel acquisition failed", "cycle", cycle.ID, "error", err)
				state = StateRecover
				continue
			}
			cycle.URL = session.PublicURL
			cycle.Attempts = session.Attempts
			l.logger.Info("tunnel acquired", "cycle", cycle.ID, "url", session.PublicURL, "pid", session.PID)
			state = StatePublish

		case StatePublish:
			err := l.publish(ctx, cycle.URL)
			switch {
			case err == nil:
				cycle.Published = true
				l.logger.Info("endpoint published", "cycle", cycle.ID, "key", l.cfg.Key, "url", cycle.URL)
				l.notifyPublished(cycle.URL)
				state = StateSleep
			case isPanic(err):
				cycle.Err = err.Error()
				l.logger.Error("publication panicked", "cycle", cycle.ID, "error", err)
				state = StateRecover
			default:
				if ctx.Err() != nil {
					return ctx.Err()
				}
				cycle.Err = err.Error()
				l.logger.Error("publishing endpoint failed", "cycle", cycle.ID, "error", err)
				state = StateSleep
			}
			l.finish(cycle)

		case StateSleep:
			l.logger.Info("sleeping until next refresh", "interval", l.cfg.RefreshInterval)
			timer := time.NewTimer(l.cfg.RefreshInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-l.wake:
				timer.Stop()
				l.logger.Info("refresh requested")
			case <-timer.C:
			}
			state = StateAcquire

		case StateRecover:
			l.logger.Warn("recovering", "backoff", l.cfg.RecoverBackoff)
			timer := time.NewTimer(l.cfg.RecoverBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			state = StateAcquire
		}
	}
}

// panicError marks an error recovered from a panic.
type panicError struct{ value any }

func (p panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

func isPanic(err error) bool {
	_, ok := err.(panicError)
	return ok
}

func (l *Loop) acquire(ctx context.Context) (session tunnel.Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()
	return l.tunnels.Acquire(ctx, l.cfg.LocalPort)
}

func (l *Loop) publish(ctx context.Context, url string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()
	return l.dir.Set(ctx, l.cfg.Key, url)
}

func (l *Loop) drainWake() {
	select {
	case <-l.wake:
	default:
	}
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Loop) finish(c Cycle) {
	c.FinishedAt = time.Now()
	l.mu.Lock()
	l.last = &c
	l.cycles++
	l.mu.Unlock()
}

func (l *Loop) notifyPublished(url string) {
	l.mu.RLock()
	fn := l.onPublished
	l.mu.RUnlock()
	if fn != nil {
		fn(url)
	}
}
