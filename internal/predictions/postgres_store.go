package predictions

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore implements Store using PostgreSQL. Schema lives in
// migrations/ and is applied by cmd/migrate.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed prediction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Append(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO predictions (
			id, session_key, fingerprint, user_id, event_count,
			xgb_score, lstm_score, fused_score, confidence,
			is_alert, filtered, filter_reason, model_version, cached, scored_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		rec.ID, rec.SessionKey, rec.Fingerprint, rec.UserID, rec.EventCount,
		rec.XGBScore, rec.LSTMScore, rec.FusedScore, rec.Confidence,
		rec.IsAlert, rec.Filtered, nullString(rec.FilterReason), rec.ModelVersion, rec.Cached, rec.ScoredAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, selectColumns+` FROM predictions WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *PostgresStore) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		selectColumns+` FROM predictions ORDER BY scored_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (p *PostgresStore) RecentBefore(ctx context.Context, scoredAt time.Time, id string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		selectColumns+` FROM predictions
		WHERE (scored_at, id) < ($1, $2)
		ORDER BY scored_at DESC, id DESC LIMIT $3`, scoredAt, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (p *PostgresStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM predictions WHERE scored_at >= $1`, since).Scan(&n)
	return n, err
}

func (p *PostgresStore) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_alert),
		       COUNT(*) FILTER (WHERE filtered)
		FROM predictions
	`).Scan(&t.Total, &t.Alerts, &t.Filtered)
	return t, err
}

const selectColumns = `
	SELECT id, session_key, fingerprint, user_id, event_count,
	       xgb_score, lstm_score, fused_score, confidence,
	       is_alert, filtered, filter_reason, model_version, cached, scored_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	var reason sql.NullString
	err := row.Scan(
		&rec.ID, &rec.SessionKey, &rec.Fingerprint, &rec.UserID, &rec.EventCount,
		&rec.XGBScore, &rec.LSTMScore, &rec.FusedScore, &rec.Confidence,
		&rec.IsAlert, &rec.Filtered, &reason, &rec.ModelVersion, &rec.Cached, &rec.ScoredAt,
	)
	if err != nil {
		return nil, err
	}
	rec.FilterReason = reason.String
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
