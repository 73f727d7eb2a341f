package store

import (
	"context"
	"database/sql"
)

// SQLite persists partition states in a sqlite table. One row per
// (partition, metric) pair; the state travels as a kind column plus a
// binary payload.
type SQLite struct {
	db   *sql.DB
	keys keyedMutex
}

// EnsureStateSchema creates the state table when missing.
func EnsureStateSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS dqe_partition_states (
		partition_key TEXT NOT NULL,
		metric_key TEXT NOT NULL,
		state_kind TEXT NOT NULL,
		payload BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (partition_key, metric_key)
	);`)
	return err
}

// NewSQLite ensures the schema and returns a store over db.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLite, error) {
	if err := EnsureStateSchema(ctx, db); err != nil {
		return nil, &StoreError{Op: "ensure schema", Err: err}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Save(ctx context.Context, partitionKey string, states StateMap) error {
	unlock := s.keys.lock(partitionKey)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Op: "save", Key: partitionKey, Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM dqe_partition_states WHERE partition_key = ?`, partitionKey); err != nil {
		return &StoreError{Op: "save", Key: partitionKey, Err: err}
	}
	for metricKey, state := range states {
		if _, err := tx.ExecContext(ctx, `INSERT INTO dqe_partition_states
			(partition_key, metric_key, state_kind, payload, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)`,
			partitionKey, metricKey, state.Kind(), state.Serialize()); err != nil {
			return &StoreError{Op: "save", Key: partitionKey, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "save", Key: partitionKey, Err: err}
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context, partitionKey string) (StateMap, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT metric_key, state_kind, payload
		FROM dqe_partition_states WHERE partition_key = ?`, partitionKey)
	if err != nil {
		return nil, &StoreError{Op: "load", Key: partitionKey, Err: err}
	}
	defer rows.Close()

	states := make(StateMap)
	for rows.Next() {
		var metricKey, kind string
		var payload []byte
		if err := rows.Scan(&metricKey, &kind, &payload); err != nil {
			return nil, &StoreError{Op: "load", Key: partitionKey, Err: err}
		}
		state, err := decodeState(kind, payload)
		if err != nil {
			return nil, &StoreError{Op: "load", Key: partitionKey, Err: err}
		}
		states[metricKey] = state
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "load", Key: partitionKey, Err: err}
	}
	if len(states) == 0 {
		return nil, ErrNotFound
	}
	return states, nil
}

func (s *SQLite) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT partition_key
		FROM dqe_partition_states ORDER BY partition_key`)
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, &StoreError{Op: "list", Err: err}
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	return keys, nil
}

func (s *SQLite) Delete(ctx context.Context, partitionKey string) error {
	unlock := s.keys.lock(partitionKey)
	defer unlock()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM dqe_partition_states WHERE partition_key = ?`, partitionKey); err != nil {
		return &StoreError{Op: "delete", Key: partitionKey, Err: err}
	}
	return nil
}
