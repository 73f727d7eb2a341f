package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/veridata/dqe/pkg/metric"
)

// SQLite persists metric history in a sqlite table. Timestamps are
// stored as unix nanoseconds so window queries compare integers
// regardless of driver datetime formatting.
type SQLite struct {
	db    *sql.DB
	clock clock.Clock
}

// EnsureHistorySchema creates the history table and index when
// missing.
func EnsureHistorySchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dqe_metric_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric_name TEXT NOT NULL,
			tag_set TEXT NOT NULL DEFAULT '',
			value REAL NOT NULL,
			observed_at_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_dqe_metric_history_series
			ON dqe_metric_history(metric_name, tag_set, observed_at_ns);`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// SQLiteOption configures a SQLite repository.
type SQLiteOption func(*SQLite)

// WithSQLiteClock injects the time source. Default is the wall clock.
func WithSQLiteClock(c clock.Clock) SQLiteOption {
	return func(s *SQLite) { s.clock = c }
}

// NewSQLite ensures the schema and returns a repository over db.
func NewSQLite(ctx context.Context, db *sql.DB, opts ...SQLiteOption) (*SQLite, error) {
	if err := EnsureHistorySchema(ctx, db); err != nil {
		return nil, fmt.Errorf("repository: ensure schema: %w", err)
	}
	s := &SQLite{db: db, clock: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *SQLite) Store(ctx context.Context, name string, value metric.Value, at time.Time, tags map[string]string) error {
	samples, err := expand(name, value)
	if err != nil {
		return err
	}
	if at.IsZero() {
		at = s.clock.Now()
	}
	tagSet := canonicalTags(tags)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: store %s: %w", name, err)
	}
	defer tx.Rollback()
	for _, smp := range samples {
		if _, err := tx.ExecContext(ctx, `INSERT INTO dqe_metric_history
			(metric_name, tag_set, value, observed_at_ns) VALUES (?, ?, ?, ?)`,
			smp.series, tagSet, smp.value, at.UnixNano()); err != nil {
			return fmt.Errorf("repository: store %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: store %s: %w", name, err)
	}
	return nil
}

func (s *SQLite) History(ctx context.Context, name string, tags map[string]string, from, to time.Time) ([]Point, error) {
	query := `SELECT value, observed_at_ns FROM dqe_metric_history
		WHERE metric_name = ? AND tag_set = ?`
	args := []any{name, canonicalTags(tags)}
	if !from.IsZero() {
		query += ` AND observed_at_ns >= ?`
		args = append(args, from.UnixNano())
	}
	if !to.IsZero() {
		query += ` AND observed_at_ns <= ?`
		args = append(args, to.UnixNano())
	}
	query += ` ORDER BY observed_at_ns ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: history %s: %w", name, err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var value float64
		var ns int64
		if err := rows.Scan(&value, &ns); err != nil {
			return nil, fmt.Errorf("repository: history %s: %w", name, err)
		}
		out = append(out, Point{At: time.Unix(0, ns).UTC(), Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: history %s: %w", name, err)
	}
	return out, nil
}
