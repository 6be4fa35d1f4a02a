// Package predictions persists every final verdict the detector emits.
//
// The store is append-only: a record is written once, after post-filtering,
// and never updated. Statistics are derived from it on demand, so the
// record carries everything needed to reconstruct counts and rates without
// re-scoring.
package predictions

import (
	"context"
	"errors"
	"time"

	"github.com/Av7danger/insider-detect/internal/ensemble"
	"github.com/Av7danger/insider-detect/internal/idgen"
	"github.com/Av7danger/insider-detect/internal/session"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("prediction record not found")

// Record is one persisted verdict with the session metadata that
// statistics and audit queries need.
type Record struct {
	ID           string    `json:"id"`
	SessionKey   string    `json:"sessionKey"`
	Fingerprint  string    `json:"fingerprint"`
	UserID       string    `json:"userId"`
	EventCount   int       `json:"eventCount"`
	XGBScore     float64   `json:"xgbScore"`
	LSTMScore    float64   `json:"lstmScore"`
	FusedScore   float64   `json:"fusedScore"`
	Confidence   float64   `json:"confidence"`
	IsAlert      bool      `json:"isAlert"`
	Filtered     bool      `json:"filtered"`
	FilterReason string    `json:"filterReason,omitempty"`
	ModelVersion string    `json:"modelVersion"`
	Cached       bool      `json:"cached"`
	ScoredAt     time.Time `json:"scoredAt"`
}

// Totals are whole-history aggregates used by the statistics endpoint.
type Totals struct {
	Total    int64 `json:"total"`
	Alerts   int64 `json:"alerts"`
	Filtered int64 `json:"filtered"`
}

// Store persists verdict records.
type Store interface {
	// Append writes one record. Records are immutable once written.
	Append(ctx context.Context, rec *Record) error

	// Get returns the record with the given ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// Recent returns up to limit records, most recent first.
	Recent(ctx context.Context, limit int) ([]*Record, error)

	// RecentBefore returns up to limit records strictly older than the
	// (scoredAt, id) cursor position, most recent first.
	RecentBefore(ctx context.Context, scoredAt time.Time, id string, limit int) ([]*Record, error)

	// CountSince counts records scored at or after the given instant.
	CountSince(ctx context.Context, since time.Time) (int64, error)

	// Totals returns whole-history aggregates.
	Totals(ctx context.Context) (Totals, error)
}

// NewRecord builds a Record from a scored session and its verdict.
func NewRecord(s *session.Session, v ensemble.Verdict) *Record {
	rec := &Record{
		ID:           idgen.WithPrefix("pred_"),
		SessionKey:   s.Key,
		Fingerprint:  v.Fingerprint,
		EventCount:   len(s.Events),
		XGBScore:     v.XGBScore,
		LSTMScore:    v.LSTMScore,
		FusedScore:   v.FusedScore,
		Confidence:   v.Confidence,
		IsAlert:      v.IsAlert,
		Filtered:     v.Filtered,
		FilterReason: v.FilterReason,
		ModelVersion: v.ModelVersion,
		Cached:       v.Cached,
		ScoredAt:     v.ScoredAt,
	}
	if len(s.Events) > 0 {
		rec.UserID = s.Events[0].UserID
	}
	if rec.ScoredAt.IsZero() {
		rec.ScoredAt = time.Now()
	}
	return rec
}
