package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLDataset reads a table through database/sql. Aggregates become one
// combined SELECT, scans stream a single column.
type SQLDataset struct {
	db    *sql.DB
	table string
}

// NewSQL wraps a table of db. The table name must be a plain
// identifier; anything else is rejected before it can reach a query.
func NewSQL(db *sql.DB, table string) (*SQLDataset, error) {
	if !identPattern.MatchString(table) {
		return nil, &AccessError{Table: table, Op: "open", Err: fmt.Errorf("invalid table name")}
	}
	return &SQLDataset{db: db, table: table}, nil
}

func (d *SQLDataset) Name() string { return d.table }

func (d *SQLDataset) checkColumn(op, column string) error {
	if !identPattern.MatchString(column) {
		return &AccessError{Table: d.table, Op: op, Err: fmt.Errorf("invalid column name %q", column)}
	}
	return nil
}

// Columns lists the table's column names.
func (d *SQLDataset) Columns(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", d.table))
	if err != nil {
		return nil, &AccessError{Table: d.table, Op: "columns", Err: err}
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, &AccessError{Table: d.table, Op: "columns", Err: err}
	}
	return cols, nil
}

func aggExpr(a Agg) (string, error) {
	switch a.Kind {
	case AggCountRows:
		return "COUNT(*)", nil
	case AggCountNonNull:
		return fmt.Sprintf("COUNT(%s)", a.Column), nil
	case AggCountDistinct:
		return fmt.Sprintf("COUNT(DISTINCT %s)", a.Column), nil
	case AggSum:
		return fmt.Sprintf("SUM(%s)", a.Column), nil
	case AggSumSquares:
		return fmt.Sprintf("SUM(%s*%s)", a.Column, a.Column), nil
	case AggMin:
		return fmt.Sprintf("MIN(%s)", a.Column), nil
	case AggMax:
		return fmt.Sprintf("MAX(%s)", a.Column), nil
	default:
		return "", fmt.Errorf("unknown aggregate kind %d", a.Kind)
	}
}

// Aggregate evaluates all requested aggregates in one SELECT.
func (d *SQLDataset) Aggregate(ctx context.Context, aggs []Agg) ([]AggResult, error) {
	if len(aggs) == 0 {
		return nil, nil
	}
	exprs := make([]string, len(aggs))
	for i, a := range aggs {
		if a.Kind != AggCountRows {
			if err := d.checkColumn("aggregate", a.Column); err != nil {
				return nil, err
			}
		}
		expr, err := aggExpr(a)
		if err != nil {
			return nil, &AccessError{Table: d.table, Op: "aggregate", Err: err}
		}
		exprs[i] = expr
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), d.table)
	dest := make([]any, len(aggs))
	nulls := make([]sql.NullFloat64, len(aggs))
	for i := range nulls {
		dest[i] = &nulls[i]
	}
	if err := d.db.QueryRowContext(ctx, query).Scan(dest...); err != nil {
		return nil, &AccessError{Table: d.table, Op: "aggregate", Err: err}
	}

	out := make([]AggResult, len(aggs))
	for i, n := range nulls {
		out[i] = AggResult{Value: n.Float64, Valid: n.Valid}
	}
	return out, nil
}

// ScanColumn streams every non-null value of one column.
func (d *SQLDataset) ScanColumn(ctx context.Context, column string, fn func(value any) error) error {
	if err := d.checkColumn("scan", column); err != nil {
		return err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IS NOT NULL", column, d.table, column)
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return &AccessError{Table: d.table, Op: "scan", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return &AccessError{Table: d.table, Op: "scan", Err: err}
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return &AccessError{Table: d.table, Op: "scan", Err: err}
	}
	return nil
}

// SampleColumn returns at most limit raw values, nulls included. Small
// tables are read head-first; larger ones go through a random()
// predicate so the sample is not dominated by insertion order.
func (d *SQLDataset) SampleColumn(ctx context.Context, column string, limit int) ([]any, error) {
	if err := d.checkColumn("sample", column); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10000
	}

	var rowCount int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s", d.table)
	if err := d.db.QueryRowContext(ctx, countQuery).Scan(&rowCount); err != nil {
		return nil, &AccessError{Table: d.table, Op: "sample", Err: err}
	}

	var query string
	var args []any
	if rowCount <= int64(limit) {
		query = fmt.Sprintf("SELECT %s FROM %s LIMIT ?", column, d.table)
		args = []any{limit}
	} else {
		// Oversample the fraction slightly so the LIMIT is reached
		// with high probability.
		fraction := 2 * float64(limit) / float64(rowCount)
		if fraction > 1 {
			fraction = 1
		}
		query = fmt.Sprintf(
			"SELECT %s FROM %s WHERE (ABS(RANDOM()) / 9223372036854775807.0) < ? LIMIT ?",
			column, d.table)
		args = []any{fraction, limit}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &AccessError{Table: d.table, Op: "sample", Err: err}
	}
	defer rows.Close()

	var out []any
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, &AccessError{Table: d.table, Op: "sample", Err: err}
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, &AccessError{Table: d.table, Op: "sample", Err: err}
	}
	return out, nil
}
