// Package ratelimit bounds scoring request rate per client identity.
//
// The limiter counts requests in fixed non-overlapping windows: a client
// gets RequestsPerWindow requests in each window, the next request is
// denied, and the allowance resets when the window rolls over. There is no
// burst credit and no carry-over between windows.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/Av7danger/insider-detect/internal/syncutil"
)

// ErrRateLimitExceeded is returned when a client exhausts its window.
var ErrRateLimitExceeded = errors.New("ratelimit: request rate exceeded")

// Config configures the limiter.
type Config struct {
	// RequestsPerWindow is the max requests per client per window.
	RequestsPerWindow int
	// Window is the fixed window length.
	Window time.Duration
	// CleanupInterval is how often idle client entries are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig matches the service default of 100 requests per minute.
func DefaultConfig() Config {
	return Config{
		RequestsPerWindow: 100,
		Window:            time.Minute,
		CleanupInterval:   time.Minute,
	}
}

// Limiter tracks per-client window counters. Window state is guarded by a
// sharded per-client lock so concurrent clients do not contend on a single
// mutex on the admission path.
type Limiter struct {
	cfg Config
	now func() time.Time

	locks   syncutil.ShardedMutex
	clients sync.Map // client id -> *window

	stop     chan struct{}
	stopOnce sync.Once
}

type window struct {
	start time.Time
	count int
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter and starts its cleanup goroutine.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.RequestsPerWindow <= 0 {
		cfg.RequestsPerWindow = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:  cfg,
		now:  time.Now,
		stop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.cleanup()
	return l
}

// Allow records one request for the client and reports whether it is
// within the current window's allowance.
func (l *Limiter) Allow(client string) error {
	unlock := l.locks.Lock(client)
	defer unlock()

	now := l.now()
	v, ok := l.clients.Load(client)
	if !ok {
		l.clients.Store(client, &window{start: now, count: 1})
		return nil
	}
	w := v.(*window)
	if now.Sub(w.start) >= l.cfg.Window {
		w.start = now
		w.count = 1
		return nil
	}

	if w.count >= l.cfg.RequestsPerWindow {
		return ErrRateLimitExceeded
	}
	w.count++
	return nil
}

// RetryAfter reports how long the client must wait before its window
// resets. Zero when the client has allowance left.
func (l *Limiter) RetryAfter(client string) time.Duration {
	unlock := l.locks.Lock(client)
	defer unlock()

	v, ok := l.clients.Load(client)
	if !ok {
		return 0
	}
	w := v.(*window)
	if w.count < l.cfg.RequestsPerWindow {
		return 0
	}
	remaining := l.cfg.Window - l.now().Sub(w.start)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// cleanup drops clients whose window expired at least one full window ago.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := l.now().Add(-2 * l.cfg.Window)
			l.clients.Range(func(key, value any) bool {
				client := key.(string)
				unlock := l.locks.Lock(client)
				if w, ok := l.clients.Load(client); ok && w.(*window).start.Before(cutoff) {
					l.clients.Delete(client)
				}
				unlock()
				return true
			})
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}
