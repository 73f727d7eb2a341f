package dataset

import (
	"context"
	"fmt"
)

// Memory is an in-memory Dataset backed by column slices. Nil entries
// stand in for SQL NULL and aggregates follow SQL semantics: COUNT
// skips them, SUM/MIN/MAX over nothing report Valid=false.
type Memory struct {
	name    string
	columns []string
	data    map[string][]any
	rows    int
}

// NewMemory builds a dataset from named column slices. All columns
// must have the same length.
func NewMemory(name string, columns map[string][]any) (*Memory, error) {
	m := &Memory{name: name, data: make(map[string][]any, len(columns))}
	first := true
	for col, values := range columns {
		if first {
			m.rows = len(values)
			first = false
		} else if len(values) != m.rows {
			return nil, &AccessError{Table: name, Op: "open",
				Err: fmt.Errorf("column %s has %d rows, want %d", col, len(values), m.rows)}
		}
		m.columns = append(m.columns, col)
		m.data[col] = values
	}
	sortStrings(m.columns)
	return m, nil
}

// NewMemoryColumn is a shorthand for a single-column dataset.
func NewMemoryColumn(name, column string, values []any) *Memory {
	m, _ := NewMemory(name, map[string][]any{column: values})
	return m
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Columns(ctx context.Context) ([]string, error) {
	out := make([]string, len(m.columns))
	copy(out, m.columns)
	return out, nil
}

func (m *Memory) column(op, name string) ([]any, error) {
	values, ok := m.data[name]
	if !ok {
		return nil, &AccessError{Table: m.name, Op: op,
			Err: fmt.Errorf("no such column %q", name)}
	}
	return values, nil
}

func (m *Memory) Aggregate(ctx context.Context, aggs []Agg) ([]AggResult, error) {
	out := make([]AggResult, len(aggs))
	for i, a := range aggs {
		if a.Kind == AggCountRows {
			out[i] = AggResult{Value: float64(m.rows), Valid: true}
			continue
		}
		values, err := m.column("aggregate", a.Column)
		if err != nil {
			return nil, err
		}
		out[i] = aggregateColumn(a.Kind, values)
	}
	return out, nil
}

func aggregateColumn(kind AggKind, values []any) AggResult {
	switch kind {
	case AggCountNonNull:
		var n float64
		for _, v := range values {
			if v != nil {
				n++
			}
		}
		return AggResult{Value: n, Valid: true}
	case AggCountDistinct:
		seen := make(map[string]struct{})
		for _, v := range values {
			if v != nil {
				seen[AsString(v)] = struct{}{}
			}
		}
		return AggResult{Value: float64(len(seen)), Valid: true}
	case AggSum, AggSumSquares, AggMin, AggMax:
		var acc float64
		valid := false
		for _, v := range values {
			if v == nil {
				continue
			}
			f, ok := AsFloat(v)
			if !ok {
				continue
			}
			switch kind {
			case AggSum:
				acc += f
			case AggSumSquares:
				acc += f * f
			case AggMin:
				if !valid || f < acc {
					acc = f
				}
			case AggMax:
				if !valid || f > acc {
					acc = f
				}
			}
			valid = true
		}
		return AggResult{Value: acc, Valid: valid}
	default:
		return AggResult{}
	}
}

func (m *Memory) ScanColumn(ctx context.Context, column string, fn func(value any) error) error {
	values, err := m.column("scan", column)
	if err != nil {
		return err
	}
	for i, v := range values {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if v == nil {
			continue
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) SampleColumn(ctx context.Context, column string, limit int) ([]any, error) {
	values, err := m.column("sample", column)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > len(values) {
		limit = len(values)
	}
	out := make([]any, limit)
	copy(out, values[:limit])
	return out, nil
}
