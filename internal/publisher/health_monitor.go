package publisher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/padlink/internal/wire"
)

// Tunnel health states.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// TunnelHealth tracks the health of the currently published URL.
type TunnelHealth struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	URL              string    `json:"url"`
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor periodically probes the published URL through the tunnel and
// reports when it stops answering, so the loop can replace the tunnel before
// the refresh interval elapses.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	health      TunnelHealth
	httpClient  *http.Client
	checkFunc   func(ctx context.Context, url string) error
	onUnhealthy func(url string)
	logger      *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor that probes every interval. The URL is
// marked unhealthy after maxFailures consecutive failures (3 when zero).
// An interval of zero disables monitoring: Start returns immediately.
//
// Example:
//
//	monitor := NewHealthMonitor(30*time.Second, 3, logger)
//	monitor.SetOnUnhealthy(func(string) { loop.Refresh() })
//	loop.SetOnPublished(monitor.Watch)
//	go monitor.Start(ctx)
func NewHealthMonitor(interval time.Duration, maxFailures int, logger *slog.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &HealthMonitor{
		interval:    interval,
		maxFailures: maxFailures,
		health:      TunnelHealth{Status: StatusUnknown},
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetOnUnhealthy sets the callback invoked once when the watched URL turns
// unhealthy. It runs on its own goroutine.
func (h *HealthMonitor) SetOnUnhealthy(callback func(url string)) {
	h.mu.Lock()
	h.onUnhealthy = callback
	h.mu.Unlock()
}

// SetCheckFunction overrides the probe, mainly for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, url string) error) {
	h.mu.Lock()
	h.checkFunc = checkFunc
	h.mu.Unlock()
}

// Watch switches monitoring to url and resets its health record.
func (h *HealthMonitor) Watch(url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	h.health = TunnelHealth{URL: url, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
}

// Start runs the probe loop in the current goroutine until ctx is cancelled
// or Stop is called.
func (h *HealthMonitor) Start(ctx context.Context) {
	if h.interval <= 0 {
		return
	}
	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("tunnel health monitor started", "interval", h.interval)

	for {
		select {
		case <-ticker.C:
			h.check(ctx)
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop cancels Start and waits for it to return. A Start that has not yet
// begun when Stop is called returns without probing.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	h.cancel()
	h.mu.Unlock()
	h.wg.Wait()
}

// check probes the watched URL once and updates its record.
func (h *HealthMonitor) check(ctx context.Context) {
	h.mu.RLock()
	url := h.health.URL
	checkFunc := h.checkFunc
	h.mu.RUnlock()
	if url == "" {
		return
	}
	if checkFunc == nil {
		checkFunc = h.defaultHealthCheck
	}

	err := checkFunc(ctx, url)

	h.mu.Lock()
	defer h.mu.Unlock()

	// Watch may have moved on to a new URL while the probe ran.
	if h.health.URL != url {
		return
	}
	h.health.LastCheck = time.Now()

	if err != nil {
		h.health.ConsecutiveFails++
		h.logger.Warn("tunnel health check failed",
			"url", url, "attempt", h.health.ConsecutiveFails, "max", h.maxFailures, "error", err)

		if h.health.ConsecutiveFails >= h.maxFailures {
			previous := h.health.Status
			h.health.Status = StatusUnhealthy
			if previous != StatusUnhealthy && h.onUnhealthy != nil {
				h.logger.Error("tunnel marked unhealthy", "url", url, "failures", h.health.ConsecutiveFails)
				go h.onUnhealthy(url)
			}
		}
		return
	}

	if h.health.Status == StatusUnhealthy {
		h.logger.Info("tunnel recovered", "url", url)
	}
	h.health.Status = StatusHealthy
	h.health.ConsecutiveFails = 0
	h.health.LastHealthy = time.Now()
}

// defaultHealthCheck GETs <url>/check-connection through the tunnel.
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, url string) error {
	target := strings.TrimRight(url, "/") + "/check-connection"
	if err := wire.Do(ctx, h.httpClient, http.MethodGet, target, "", nil, nil); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// Health returns a copy of the current record.
func (h *HealthMonitor) Health() TunnelHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.health
}

// IsHealthy reports whether the last probe succeeded.
func (h *HealthMonitor) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.health.Status == StatusHealthy
}
