package cache

import (
	"context"
	"time"

	"github.com/Av7danger/insider-detect/internal/circuitbreaker"
	"github.com/Av7danger/insider-detect/internal/ensemble"
)

const breakerKey = "verdict_cache"

// GuardedCache wraps a Cache with a circuit breaker so a struggling backend
// fails fast instead of stalling every scoring request. Rejected or failed
// operations surface as misses; the pipeline recomputes and moves on.
type GuardedCache struct {
	inner   Cache
	breaker *circuitbreaker.Breaker
}

// NewGuarded wraps inner with a breaker that opens after threshold
// consecutive failures and probes again after openDuration.
func NewGuarded(inner Cache, threshold int, openDuration time.Duration) *GuardedCache {
	return &GuardedCache{
		inner:   inner,
		breaker: circuitbreaker.New(threshold, openDuration),
	}
}

var _ Cache = (*GuardedCache)(nil)

// Get looks up a verdict, reporting a plain miss while the circuit is open.
func (g *GuardedCache) Get(ctx context.Context, fingerprint string) (ensemble.Verdict, bool, error) {
	if !g.breaker.Allow(breakerKey) {
		return ensemble.Verdict{}, false, nil
	}
	v, ok, err := g.inner.Get(ctx, fingerprint)
	if err != nil {
		g.breaker.RecordFailure(breakerKey)
		return ensemble.Verdict{}, false, err
	}
	g.breaker.RecordSuccess(breakerKey)
	return v, ok, nil
}

// Put stores a verdict unless the circuit is open.
func (g *GuardedCache) Put(ctx context.Context, fingerprint string, v ensemble.Verdict) error {
	if !g.breaker.Allow(breakerKey) {
		return nil
	}
	if err := g.inner.Put(ctx, fingerprint, v); err != nil {
		g.breaker.RecordFailure(breakerKey)
		return err
	}
	g.breaker.RecordSuccess(breakerKey)
	return nil
}

// State exposes the breaker state for health reporting.
func (g *GuardedCache) State() circuitbreaker.State {
	return g.breaker.State(breakerKey)
}

// Close closes the wrapped cache.
func (g *GuardedCache) Close() error {
	return g.inner.Close()
}
