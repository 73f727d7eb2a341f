package dataset

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryColumns(t *testing.T) {
	m, err := NewMemory("orders", map[string][]any{
		"amount": {1.0, 2.0},
		"id":     {int64(1), int64(2)},
	})
	require.NoError(t, err)

	cols, err := m.Columns(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"amount", "id"}, cols)
	assert.Equal(t, "orders", m.Name())
}

func TestMemoryRejectsRaggedColumns(t *testing.T) {
	_, err := NewMemory("bad", map[string][]any{
		"a": {1, 2, 3},
		"b": {1},
	})
	require.Error(t, err)
	var accessErr *AccessError
	assert.True(t, errors.As(err, &accessErr))
}

func TestMemoryAggregate(t *testing.T) {
	m := NewMemoryColumn("t", "v", []any{1.0, 2.0, nil, 3.0, 2.0})

	results, err := m.Aggregate(context.Background(), []Agg{
		{Kind: AggCountRows},
		{Kind: AggCountNonNull, Column: "v"},
		{Kind: AggCountDistinct, Column: "v"},
		{Kind: AggSum, Column: "v"},
		{Kind: AggSumSquares, Column: "v"},
		{Kind: AggMin, Column: "v"},
		{Kind: AggMax, Column: "v"},
	})
	require.NoError(t, err)
	require.Len(t, results, 7)

	assert.Equal(t, AggResult{Value: 5, Valid: true}, results[0])
	assert.Equal(t, AggResult{Value: 4, Valid: true}, results[1])
	assert.Equal(t, AggResult{Value: 3, Valid: true}, results[2])
	assert.Equal(t, AggResult{Value: 8, Valid: true}, results[3])
	assert.Equal(t, AggResult{Value: 18, Valid: true}, results[4])
	assert.Equal(t, AggResult{Value: 1, Valid: true}, results[5])
	assert.Equal(t, AggResult{Value: 3, Valid: true}, results[6])
}

func TestMemoryAggregateAllNull(t *testing.T) {
	m := NewMemoryColumn("t", "v", []any{nil, nil})

	results, err := m.Aggregate(context.Background(), []Agg{
		{Kind: AggCountRows},
		{Kind: AggCountNonNull, Column: "v"},
		{Kind: AggSum, Column: "v"},
		{Kind: AggMin, Column: "v"},
		{Kind: AggMax, Column: "v"},
	})
	require.NoError(t, err)

	assert.Equal(t, AggResult{Value: 2, Valid: true}, results[0])
	assert.Equal(t, AggResult{Value: 0, Valid: true}, results[1])
	assert.False(t, results[2].Valid, "SUM over no values is NULL")
	assert.False(t, results[3].Valid, "MIN over no values is NULL")
	assert.False(t, results[4].Valid, "MAX over no values is NULL")
}

func TestMemoryAggregateUnknownColumn(t *testing.T) {
	m := NewMemoryColumn("t", "v", []any{1.0})
	_, err := m.Aggregate(context.Background(), []Agg{{Kind: AggSum, Column: "missing"}})
	require.Error(t, err)
	var accessErr *AccessError
	require.True(t, errors.As(err, &accessErr))
	assert.Equal(t, "t", accessErr.Table)
}

func TestMemoryScanColumnSkipsNulls(t *testing.T) {
	m := NewMemoryColumn("t", "v", []any{"a", nil, "b", nil, "c"})

	var got []any
	err := m.ScanColumn(context.Background(), "v", func(v any) error {
		got = append(got, v)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, got)
}

func TestMemoryScanColumnStopsOnCallbackError(t *testing.T) {
	m := NewMemoryColumn("t", "v", []any{1, 2, 3})
	sentinel := errors.New("stop")

	calls := 0
	err := m.ScanColumn(context.Background(), "v", func(v any) error {
		calls++
		if calls == 2 {
			return sentinel
		}
		return nil
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 2, calls)
}

func TestMemoryScanColumnHonorsContext(t *testing.T) {
	values := make([]any, 5000)
	for i := range values {
		values[i] = i
	}
	m := NewMemoryColumn("t", "v", values)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.ScanColumn(ctx, "v", func(v any) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemorySampleColumnIncludesNulls(t *testing.T) {
	m := NewMemoryColumn("t", "v", []any{"a", nil, "b"})

	sample, err := m.SampleColumn(context.Background(), "v", 10)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", nil, "b"}, sample)

	sample, err = m.SampleColumn(context.Background(), "v", 2)
	require.NoError(t, err)
	assert.Len(t, sample, 2)
}

func TestAsFloat(t *testing.T) {
	cases := []struct {
		in   any
		want float64
		ok   bool
	}{
		{float64(1.5), 1.5, true},
		{float32(2), 2, true},
		{int64(3), 3, true},
		{int(4), 4, true},
		{int32(5), 5, true},
		{uint64(6), 6, true},
		{true, 1, true},
		{false, 0, true},
		{"7.25", 7.25, true},
		{[]byte("8"), 8, true},
		{"not a number", 0, false},
		{nil, 0, false},
		{struct{}{}, 0, false},
	}
	for _, tc := range cases {
		got, ok := AsFloat(tc.in)
		assert.Equal(t, tc.ok, ok, "AsFloat(%v)", tc.in)
		if tc.ok {
			assert.Equal(t, tc.want, got, "AsFloat(%v)", tc.in)
		}
	}
}

func TestAsString(t *testing.T) {
	assert.Equal(t, "", AsString(nil))
	assert.Equal(t, "hi", AsString("hi"))
	assert.Equal(t, "hi", AsString([]byte("hi")))
	assert.Equal(t, "42", AsString(int64(42)))
	assert.Equal(t, "1.5", AsString(1.5))
	assert.Equal(t, "true", AsString(true))
}
