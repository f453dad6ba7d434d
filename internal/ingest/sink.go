package ingest

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/padlink/internal/telemetry"
)

// Sink receives every accepted snapshot.
type Sink interface {
	Accept(snap telemetry.Snapshot)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(snap telemetry.Snapshot)

func (f SinkFunc) Accept(snap telemetry.Snapshot) { f(snap) }

// Latest keeps the most recent snapshot and ingest counters.
type Latest struct {
	mu       sync.RWMutex
	snap     telemetry.Snapshot
	received time.Time
	has      bool

	accepted atomic.Uint64
	rejected atomic.Uint64
	next     Sink
}

// NewLatest returns a Latest that forwards to next when non-nil.
func NewLatest(next Sink) *Latest {
	return &Latest{next: next}
}

func (l *Latest) Accept(snap telemetry.Snapshot) {
	l.mu.Lock()
	l.snap = snap.Clone()
	l.received = time.Now()
	l.has = true
	l.mu.Unlock()
	l.accepted.Add(1)
	if l.next != nil {
		l.next.Accept(snap)
	}
}

func (l *Latest) reject() { l.rejected.Add(1) }

// Snapshot returns a copy of the latest snapshot and when it arrived.
func (l *Latest) Snapshot() (telemetry.Snapshot, time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.has {
		return telemetry.Snapshot{}, time.Time{}, false
	}
	return l.snap.Clone(), l.received, true
}

// Counters reports the number of accepted and rejected inputs.
type Counters struct {
	Accepted     uint64     `json:"accepted"`
	Rejected     uint64     `json:"rejected"`
	LastReceived *time.Time `json:"last_received,omitempty"`
}

func (l *Latest) Counters() Counters {
	c := Counters{Accepted: l.accepted.Load(), Rejected: l.rejected.Load()}
	l.mu.RLock()
	if l.has {
		t := l.received
		c.LastReceived = &t
	}
	l.mu.RUnlock()
	return c
}
