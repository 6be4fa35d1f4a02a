package predictions

import (
	"context"
	"sync"
	"time"

	"github.com/Av7danger/insider-detect/internal/idgen"
)

// MemoryStore is an in-memory implementation of Store. It backs single
// instance deployments without Postgres and the test suite; history is
// lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record          // append order
	byID    map[string]*Record // id -> record
}

// NewMemoryStore creates an in-memory prediction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Record)}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Append(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := *rec
	if r.ID == "" {
		r.ID = idgen.WithPrefix("pred_")
		rec.ID = r.ID
	}
	m.records = append(m.records, &r)
	m.byID[r.ID] = &r
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Recent(ctx context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}

	out := make([]*Record, 0, limit)
	for i := len(m.records) - 1; i >= len(m.records)-limit; i-- {
		cp := *m.records[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) RecentBefore(ctx context.Context, scoredAt time.Time, id string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = len(m.records)
	}

	out := make([]*Record, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		r := m.records[i]
		if !beforeCursor(r, scoredAt, id) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// beforeCursor reports whether r sorts strictly before the cursor position
// in (scoredAt, id) order, matching the Postgres (scored_at, id) < (a, b)
// row comparison.
func beforeCursor(r *Record, scoredAt time.Time, id string) bool {
	if r.ScoredAt.Before(scoredAt) {
		return true
	}
	return r.ScoredAt.Equal(scoredAt) && r.ID < id
}

func (m *MemoryStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, r := range m.records {
		if !r.ScoredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Totals(ctx context.Context) (Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := Totals{Total: int64(len(m.records))}
	for _, r := range m.records {
		if r.IsAlert {
			t.Alerts++
		}
		if r.Filtered {
			t.Filtered++
		}
	}
	return t, nil
}
