package dataset

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// A second connection would see a different in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedOrders(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`CREATE TABLE orders (id INTEGER, amount REAL, status TEXT)`)
	require.NoError(t, err)
	rows := []struct {
		id     int64
		amount any
		status any
	}{
		{1, 10.0, "paid"},
		{2, 20.0, "paid"},
		{3, nil, "pending"},
		{4, 30.0, nil},
		{5, 20.0, "paid"},
	}
	for _, r := range rows {
		_, err := db.Exec(`INSERT INTO orders (id, amount, status) VALUES (?, ?, ?)`,
			r.id, r.amount, r.status)
		require.NoError(t, err)
	}
}

func TestSQLRejectsBadIdentifiers(t *testing.T) {
	db := openTestDB(t)

	_, err := NewSQL(db, "orders; DROP TABLE users")
	require.Error(t, err)

	ds, err := NewSQL(db, "orders")
	require.NoError(t, err)

	_, err = ds.Aggregate(context.Background(), []Agg{{Kind: AggSum, Column: "amount)--"}})
	require.Error(t, err)
	var accessErr *AccessError
	assert.True(t, errors.As(err, &accessErr))

	err = ds.ScanColumn(context.Background(), "a b", func(any) error { return nil })
	require.Error(t, err)

	_, err = ds.SampleColumn(context.Background(), "a;b", 10)
	require.Error(t, err)
}

func TestSQLColumns(t *testing.T) {
	db := openTestDB(t)
	seedOrders(t, db)

	ds, err := NewSQL(db, "orders")
	require.NoError(t, err)

	cols, err := ds.Columns(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "amount", "status"}, cols)
}

func TestSQLAggregate(t *testing.T) {
	db := openTestDB(t)
	seedOrders(t, db)

	ds, err := NewSQL(db, "orders")
	require.NoError(t, err)

	results, err := ds.Aggregate(context.Background(), []Agg{
		{Kind: AggCountRows},
		{Kind: AggCountNonNull, Column: "amount"},
		{Kind: AggCountDistinct, Column: "amount"},
		{Kind: AggSum, Column: "amount"},
		{Kind: AggSumSquares, Column: "amount"},
		{Kind: AggMin, Column: "amount"},
		{Kind: AggMax, Column: "amount"},
	})
	require.NoError(t, err)
	require.Len(t, results, 7)

	assert.Equal(t, 5.0, results[0].Value)
	assert.Equal(t, 4.0, results[1].Value)
	assert.Equal(t, 3.0, results[2].Value)
	assert.Equal(t, 80.0, results[3].Value)
	assert.Equal(t, 1800.0, results[4].Value)
	assert.Equal(t, 10.0, results[5].Value)
	assert.Equal(t, 30.0, results[6].Value)
	for i, r := range results {
		assert.True(t, r.Valid, "result %d", i)
	}
}

func TestSQLAggregateEmptyTable(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`CREATE TABLE empty (v REAL)`)
	require.NoError(t, err)

	ds, err := NewSQL(db, "empty")
	require.NoError(t, err)

	results, err := ds.Aggregate(context.Background(), []Agg{
		{Kind: AggCountRows},
		{Kind: AggSum, Column: "v"},
		{Kind: AggMin, Column: "v"},
	})
	require.NoError(t, err)

	assert.Equal(t, AggResult{Value: 0, Valid: true}, results[0])
	assert.False(t, results[1].Valid)
	assert.False(t, results[2].Valid)
}

func TestSQLScanColumnSkipsNulls(t *testing.T) {
	db := openTestDB(t)
	seedOrders(t, db)

	ds, err := NewSQL(db, "orders")
	require.NoError(t, err)

	var got []float64
	err = ds.ScanColumn(context.Background(), "amount", func(v any) error {
		f, ok := AsFloat(v)
		require.True(t, ok)
		got = append(got, f)
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []float64{10, 20, 30, 20}, got)
}

func TestSQLScanColumnPropagatesCallbackError(t *testing.T) {
	db := openTestDB(t)
	seedOrders(t, db)

	ds, err := NewSQL(db, "orders")
	require.NoError(t, err)

	sentinel := errors.New("stop")
	err = ds.ScanColumn(context.Background(), "id", func(any) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
}

func TestSQLSampleColumnSmallTable(t *testing.T) {
	db := openTestDB(t)
	seedOrders(t, db)

	ds, err := NewSQL(db, "orders")
	require.NoError(t, err)

	sample, err := ds.SampleColumn(context.Background(), "status", 100)
	require.NoError(t, err)
	// Table is smaller than the limit, so the sample is the whole
	// column, nulls included.
	assert.Len(t, sample, 5)
	nulls := 0
	for _, v := range sample {
		if v == nil {
			nulls++
		}
	}
	assert.Equal(t, 1, nulls)
}

func TestSQLSampleColumnBounded(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`CREATE TABLE big (v INTEGER)`)
	require.NoError(t, err)
	tx, err := db.Begin()
	require.NoError(t, err)
	stmt, err := tx.Prepare(`INSERT INTO big (v) VALUES (?)`)
	require.NoError(t, err)
	for i := 0; i < 5000; i++ {
		_, err := stmt.Exec(i)
		require.NoError(t, err)
	}
	require.NoError(t, stmt.Close())
	require.NoError(t, tx.Commit())

	ds, err := NewSQL(db, "big")
	require.NoError(t, err)

	sample, err := ds.SampleColumn(context.Background(), "v", 200)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(sample), 200)
	assert.NotEmpty(t, sample)
}

func TestSQLMissingTable(t *testing.T) {
	db := openTestDB(t)

	ds, err := NewSQL(db, "nope")
	require.NoError(t, err)

	_, err = ds.Columns(context.Background())
	require.Error(t, err)
	var accessErr *AccessError
	require.True(t, errors.As(err, &accessErr))
	assert.Equal(t, "nope", accessErr.Table)
	assert.Equal(t, "columns", accessErr.Op)
}
