// Package cache memoizes verdicts by session fingerprint with a TTL.
//
// Two implementations are provided: an in-process map for single-instance
// deployments and tests, and a Redis backend for deployments where several
// scoring replicas should share one verdict cache. Both observe expiry on
// every Get; a stale verdict is never served.
package cache

import (
	"context"
	"time"

	"github.com/Av7danger/insider-detect/internal/ensemble"
)

// DefaultTTL is how long a cached verdict stays valid.
const DefaultTTL = 300 * time.Second

// Cache stores verdicts keyed by session fingerprint.
type Cache interface {
	// Get returns the cached verdict for the fingerprint, or ok=false on
	// a miss. Entries at or past their TTL are misses.
	Get(ctx context.Context, fingerprint string) (ensemble.Verdict, bool, error)

	// Put stores the verdict under the fingerprint, replacing any
	// existing entry and restarting its TTL.
	Put(ctx context.Context, fingerprint string, v ensemble.Verdict) error

	// Close releases background resources.
	Close() error
}
