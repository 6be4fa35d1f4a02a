// Package stats derives service statistics from the prediction store.
//
// Nothing is precomputed or cached here: a snapshot is a cheap read over
// the store's aggregates, taken on demand, so the store is the single
// source of truth for counts and throughput.
package stats

import (
	"context"
	"time"

	"github.com/Av7danger/insider-detect/internal/predictions"
)

// Snapshot is the statistics view returned to callers.
type Snapshot struct {
	TotalRequests  int64   `json:"totalRequests"`
	Alerts         int64   `json:"alerts"`
	Filtered       int64   `json:"filtered"`
	AlertRate      float64 `json:"alertRate"`
	RequestsPerMin int64   `json:"requestsPerMin"`
	UptimeSeconds  float64 `json:"uptimeSeconds"`
}

// Aggregator computes snapshots from the prediction store.
type Aggregator struct {
	store     predictions.Store
	startedAt time.Time
	now       func() time.Time
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an aggregator. Uptime is measured from this call,
// which the process makes once at startup.
func NewAggregator(store predictions.Store, opts ...Option) *Aggregator {
	a := &Aggregator{store: store, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	a.startedAt = a.now()
	return a
}

// Snapshot computes current statistics. An empty store yields an all-zero
// snapshot, never a division by zero.
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	totals, err := a.store.Totals(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	now := a.now()
	lastMinute, err := a.store.CountSince(ctx, now.Add(-time.Minute))
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		TotalRequests:  totals.Total,
		Alerts:         totals.Alerts,
		Filtered:       totals.Filtered,
		RequestsPerMin: lastMinute,
		UptimeSeconds:  now.Sub(a.startedAt).Seconds(),
	}
	if totals.Total > 0 {
		snap.AlertRate = float64(totals.Alerts) / float64(totals.Total)
	}
	return snap, nil
}
