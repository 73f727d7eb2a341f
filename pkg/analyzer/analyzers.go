package analyzer

import (
	"context"
	"fmt"

	"github.com/veridata/dqe/pkg/dataset"
	"github.com/veridata/dqe/pkg/metric"
	"github.com/veridata/dqe/pkg/sketch"
)

// Defaults for the sketch-backed analyzers.
const (
	DefaultHLLPrecision  uint8 = 12
	DefaultQuantileK           = 200
	DefaultHistogramTopN       = 20
	DefaultFrequentK           = 10
)

// aggAnalyzer covers every statistic the engine can answer with a
// single combined aggregate query.
type aggAnalyzer struct {
	name   string
	column string
	aggs   []dataset.Agg
	build  func(results []dataset.AggResult) (metric.State, error)
}

func (a *aggAnalyzer) Name() string { return a.name }

func (a *aggAnalyzer) Qualifier() string {
	if a.column == "" {
		return TableQualifier
	}
	return a.column
}

func (a *aggAnalyzer) ComputeState(ctx context.Context, ds dataset.Dataset) (metric.State, error) {
	results, err := ds.Aggregate(ctx, a.aggs)
	if err != nil {
		return nil, err
	}
	if len(results) != len(a.aggs) {
		return nil, fmt.Errorf("aggregate returned %d results, want %d", len(results), len(a.aggs))
	}
	return a.build(results)
}

// Size counts the rows of the dataset, nulls included.
func Size() Analyzer {
	return &aggAnalyzer{
		name: "size",
		aggs: []dataset.Agg{{Kind: dataset.AggCountRows}},
		build: func(r []dataset.AggResult) (metric.State, error) {
			return &metric.SizeState{Count: int64(r[0].Value)}, nil
		},
	}
}

// Completeness measures the non-null fraction of a column.
func Completeness(column string) Analyzer {
	return &aggAnalyzer{
		name:   "completeness",
		column: column,
		aggs: []dataset.Agg{
			{Kind: dataset.AggCountRows},
			{Kind: dataset.AggCountNonNull, Column: column},
		},
		build: func(r []dataset.AggResult) (metric.State, error) {
			if r[0].Value == 0 {
				return nil, fmt.Errorf("%w: empty table", ErrInsufficientData)
			}
			return &metric.CompletenessState{
				NonNull: int64(r[1].Value),
				Count:   int64(r[0].Value),
			}, nil
		},
	}
}

// Mean averages the non-null values of a numeric column.
func Mean(column string) Analyzer {
	return &aggAnalyzer{
		name:   "mean",
		column: column,
		aggs: []dataset.Agg{
			{Kind: dataset.AggSum, Column: column},
			{Kind: dataset.AggCountNonNull, Column: column},
		},
		build: func(r []dataset.AggResult) (metric.State, error) {
			if !r[0].Valid || r[1].Value == 0 {
				return nil, fmt.Errorf("%w: no values in column %s", ErrInsufficientData, column)
			}
			return &metric.MeanState{Sum: r[0].Value, Count: int64(r[1].Value)}, nil
		},
	}
}

// StandardDeviation computes the population standard deviation of a
// numeric column from the sum and sum-of-squares accumulators.
func StandardDeviation(column string) Analyzer {
	return &aggAnalyzer{
		name:   "stddev",
		column: column,
		aggs: []dataset.Agg{
			{Kind: dataset.AggCountNonNull, Column: column},
			{Kind: dataset.AggSum, Column: column},
			{Kind: dataset.AggSumSquares, Column: column},
		},
		build: func(r []dataset.AggResult) (metric.State, error) {
			if r[0].Value == 0 || !r[1].Valid {
				return nil, fmt.Errorf("%w: no values in column %s", ErrInsufficientData, column)
			}
			return &metric.StdDevState{
				Count:      int64(r[0].Value),
				Sum:        r[1].Value,
				SumSquares: r[2].Value,
			}, nil
		},
	}
}

// Minimum finds the smallest non-null value of a numeric column.
func Minimum(column string) Analyzer {
	return &aggAnalyzer{
		name:   "min",
		column: column,
		aggs: []dataset.Agg{
			{Kind: dataset.AggCountNonNull, Column: column},
			{Kind: dataset.AggMin, Column: column},
		},
		build: func(r []dataset.AggResult) (metric.State, error) {
			if !r[1].Valid {
				return nil, fmt.Errorf("%w: no values in column %s", ErrInsufficientData, column)
			}
			return &metric.MinState{Count: int64(r[0].Value), Value: r[1].Value}, nil
		},
	}
}

// Maximum finds the largest non-null value of a numeric column.
func Maximum(column string) Analyzer {
	return &aggAnalyzer{
		name:   "max",
		column: column,
		aggs: []dataset.Agg{
			{Kind: dataset.AggCountNonNull, Column: column},
			{Kind: dataset.AggMax, Column: column},
		},
		build: func(r []dataset.AggResult) (metric.State, error) {
			if !r[1].Valid {
				return nil, fmt.Errorf("%w: no values in column %s", ErrInsufficientData, column)
			}
			return &metric.MaxState{Count: int64(r[0].Value), Value: r[1].Value}, nil
		},
	}
}

// distinctAnalyzer estimates column cardinality with a HyperLogLog
// scan.
type distinctAnalyzer struct {
	column    string
	precision uint8
}

// ApproxDistinct estimates the number of distinct non-null values of a
// column at the default precision.
func ApproxDistinct(column string) Analyzer {
	return ApproxDistinctPrecision(column, DefaultHLLPrecision)
}

// ApproxDistinctPrecision is ApproxDistinct with an explicit
// HyperLogLog precision. States computed at different precisions do
// not merge.
func ApproxDistinctPrecision(column string, precision uint8) Analyzer {
	return &distinctAnalyzer{column: column, precision: precision}
}

func (a *distinctAnalyzer) Name() string      { return "approx_distinct" }
func (a *distinctAnalyzer) Qualifier() string { return a.column }

func (a *distinctAnalyzer) ComputeState(ctx context.Context, ds dataset.Dataset) (metric.State, error) {
	state := sketch.NewCardinalityState(a.precision, 0)
	err := ds.ScanColumn(ctx, a.column, func(v any) error {
		state.Observe(dataset.AsString(v))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// quantileAnalyzer sketches the distribution of a numeric column.
type quantileAnalyzer struct {
	column    string
	quantiles []float64
	k         int
}

// ApproxQuantiles estimates the requested quantiles of a numeric
// column. With no quantiles given it reports the default set.
func ApproxQuantiles(column string, quantiles ...float64) Analyzer {
	if len(quantiles) == 0 {
		quantiles = sketch.DefaultQuantiles
	}
	return &quantileAnalyzer{column: column, quantiles: quantiles, k: DefaultQuantileK}
}

func (a *quantileAnalyzer) Name() string      { return "approx_quantiles" }
func (a *quantileAnalyzer) Qualifier() string { return a.column }

func (a *quantileAnalyzer) ComputeState(ctx context.Context, ds dataset.Dataset) (metric.State, error) {
	state := sketch.NewQuantileState(a.k, 1, a.quantiles)
	seen := int64(0)
	err := ds.ScanColumn(ctx, a.column, func(v any) error {
		seen++
		if f, ok := dataset.AsFloat(v); ok {
			state.Observe(f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if seen > 0 && state.Count() == 0 {
		return nil, fmt.Errorf("%w: no numeric values in column %s", ErrInsufficientData, a.column)
	}
	return state, nil
}

// histogramAnalyzer counts exact value frequencies up to a bucket cap.
type histogramAnalyzer struct {
	column string
	topN   int
}

// Histogram counts value frequencies of a low-cardinality column,
// keeping the topN most frequent buckets.
func Histogram(column string, topN int) Analyzer {
	if topN <= 0 {
		topN = DefaultHistogramTopN
	}
	return &histogramAnalyzer{column: column, topN: topN}
}

func (a *histogramAnalyzer) Name() string      { return "histogram" }
func (a *histogramAnalyzer) Qualifier() string { return a.column }

func (a *histogramAnalyzer) ComputeState(ctx context.Context, ds dataset.Dataset) (metric.State, error) {
	state := metric.NewHistogramState(a.topN)
	err := ds.ScanColumn(ctx, a.column, func(v any) error {
		state.Observe(dataset.AsString(v))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// frequentAnalyzer tracks heavy hitters with a Count-Min sketch.
type frequentAnalyzer struct {
	column string
	k      int
}

// FrequentItems estimates the k most frequent values of a column.
// Unlike Histogram it stays bounded on high-cardinality columns.
func FrequentItems(column string, k int) Analyzer {
	if k < 1 {
		k = DefaultFrequentK
	}
	return &frequentAnalyzer{column: column, k: k}
}

func (a *frequentAnalyzer) Name() string      { return "frequent_items" }
func (a *frequentAnalyzer) Qualifier() string { return a.column }

func (a *frequentAnalyzer) ComputeState(ctx context.Context, ds dataset.Dataset) (metric.State, error) {
	state := sketch.NewFrequentState(a.k)
	err := ds.ScanColumn(ctx, a.column, func(v any) error {
		state.Observe(dataset.AsString(v))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}
