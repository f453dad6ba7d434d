package client

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dreamware/padlink/internal/telemetry"
)

// DefaultMinSendInterval is the minimum spacing between forwarded samples.
const DefaultMinSendInterval = 100 * time.Millisecond

// PumpStats counts what happened to offered samples.
type PumpStats struct {
	Offered   uint64 `json:"offered"`
	Throttled uint64 `json:"throttled"` // rejected by the send-rate limit
	Dropped   uint64 `json:"dropped"`   // replaced by a newer sample before sending
	Sent      uint64 `json:"sent"`
	Failed    uint64 `json:"failed"`
}

// Pump decouples sampling from delivery. Offer never blocks: samples that
// pass the rate limit land in a single-slot mailbox, replacing any sample
// still waiting, and Run delivers them one at a time.
type Pump struct {
	transport Transport
	limiter   *rate.Limiter
	mailbox   chan telemetry.Snapshot
	logger    *slog.Logger

	offered   atomic.Uint64
	throttled atomic.Uint64
	dropped   atomic.Uint64
	sent      atomic.Uint64
	failed    atomic.Uint64
}

// NewPump returns a pump forwarding at most one sample per minInterval.
func NewPump(transport Transport, minInterval time.Duration, logger *slog.Logger) *Pump {
	if minInterval <= 0 {
		minInterval = DefaultMinSendInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pump{
		transport: transport,
		limiter:   rate.NewLimiter(rate.Every(minInterval), 1),
		mailbox:   make(chan telemetry.Snapshot, 1),
		logger:    logger,
	}
}

// Offer hands a sample to the pump and reports whether it was queued.
func (p *Pump) Offer(snap telemetry.Snapshot) bool {
	p.offered.Add(1)
	if !p.limiter.Allow() {
		p.throttled.Add(1)
		return false
	}

	for {
		select {
		case p.mailbox <- snap:
			return true
		default:
		}
		select {
		case <-p.mailbox:
			p.dropped.Add(1)
		default:
		}
	}
}

// Run delivers queued samples until ctx is cancelled.
func (p *Pump) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			stats := p.Stats()
			p.logger.Info("telemetry pump stopped",
				"offered", stats.Offered, "sent", stats.Sent, "failed", stats.Failed, "dropped", stats.Dropped)
			return ctx.Err()
		case snap := <-p.mailbox:
			if p.transport.Send(ctx, snap) {
				p.sent.Add(1)
			} else {
				p.failed.Add(1)
			}
		}
	}
}

// Stats returns a snapshot of the counters.
func (p *Pump) Stats() PumpStats {
	return PumpStats{
		Offered:   p.offered.Load(),
		Throttled: p.throttled.Load(),
		Dropped:   p.dropped.Load(),
		Sent:      p.sent.Load(),
		Failed:    p.failed.Load(),
	}
}
