package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dreamware/padlink/internal/telemetry"
)

// DefaultSampleRate is the sampling frequency of the client loop.
const DefaultSampleRate = 60

// maxReadFailures is how many consecutive failed reads end Run.
const maxReadFailures = 30

// Sampler polls a Source at a fixed rate and hands each snapshot to Offer.
// Offer must not block; a client.Pump satisfies that.
type Sampler struct {
	Source   Source
	Interval time.Duration
	Offer    func(telemetry.Snapshot) bool
	Logger   *slog.Logger
}

// Run samples until ctx is cancelled or the source fails repeatedly.
func (s *Sampler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second / DefaultSampleRate
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		snap, err := s.Source.Sample()
		if err != nil {
			failures++
			logger.Debug("controller sample failed", "attempt", failures, "error", err)
			if failures >= maxReadFailures {
				return fmt.Errorf("controller read failed %d times: %w", failures, err)
			}
			continue
		}
		failures = 0
		s.Offer(snap)
	}
}
