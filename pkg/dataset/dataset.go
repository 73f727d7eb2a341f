// Package dataset is the read-only data-access boundary of the engine.
// Analyzers and the profiler consume the Dataset interface and never
// issue SQL themselves; implementations exist for database/sql tables
// and for in-memory rows.
package dataset

import (
	"context"
	"fmt"
	"strconv"
)

// AggKind enumerates the aggregate operations a Dataset can evaluate.
type AggKind uint8

const (
	// AggCountRows counts all rows, including nulls.
	AggCountRows AggKind = iota + 1
	// AggCountNonNull counts rows where the column is not null.
	AggCountNonNull
	// AggCountDistinct counts distinct non-null values exactly.
	AggCountDistinct
	// AggSum sums the column.
	AggSum
	// AggSumSquares sums the squared column values.
	AggSumSquares
	// AggMin takes the smallest value.
	AggMin
	// AggMax takes the largest value.
	AggMax
)

// Agg is one aggregate request. Column is empty for AggCountRows.
type Agg struct {
	Kind   AggKind
	Column string
}

// AggResult is one aggregate answer. Valid is false when the engine
// reports NULL, e.g. MIN over a column with no non-null values.
type AggResult struct {
	Value float64
	Valid bool
}

// Dataset is a named table that supports aggregate evaluation, full
// column scans and bounded sampling. All methods are read-only.
//
// Aggregate evaluates every requested aggregate in a single pass so
// callers can batch related statistics into one scan. ScanColumn
// streams the non-null values of one column. SampleColumn returns a
// bounded sample of raw column values, nulls included.
type Dataset interface {
	Name() string
	Columns(ctx context.Context) ([]string, error)
	Aggregate(ctx context.Context, aggs []Agg) ([]AggResult, error)
	ScanColumn(ctx context.Context, column string, fn func(value any) error) error
	SampleColumn(ctx context.Context, column string, limit int) ([]any, error)
}

// AccessError wraps a failure of the underlying data engine.
type AccessError struct {
	Table string
	Op    string
	Err   error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("dataset %s: %s: %v", e.Table, e.Op, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// AsFloat converts a raw column value to float64 where a numeric
// reading exists.
func AsFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(string(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// AsString renders a raw column value the way the database would.
func AsString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", x)
	}
}
