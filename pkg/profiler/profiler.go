// Package profiler infers column types and distributions from tabular
// data. Each column is profiled in three passes: a bounded sample
// votes on the type while a full scan estimates cardinality, one
// combined aggregate query settles the basic counts, and a
// type-specific pass collects the distribution. The cardinality
// estimate from the first pass decides whether distinctness is counted
// exactly or stays approximate, keeping memory bounded regardless of
// data volume.
package profiler

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/veridata/dqe/pkg/dataset"
	"github.com/veridata/dqe/pkg/metric"
	"github.com/veridata/dqe/pkg/sketch"
)

// Inferred column types.
const (
	TypeInteger     = "integer"
	TypeDecimal     = "decimal"
	TypeString      = "string"
	TypeDate        = "date"
	TypeCategorical = "categorical"
	TypeMixed       = "mixed"
)

// Defaults applied by Options.normalized.
const (
	DefaultSampleSize             = 10000
	DefaultTypeConfidence         = 0.8
	DefaultExactDistinctThreshold = 10000
	DefaultCategoricalCeiling     = 50
	DefaultTopN                   = 20
	DefaultHLLPrecision           = 12
	DefaultQuantileK              = 200
	DefaultReservoirSize          = 1000
	DefaultSeed                   = 42
)

// Options tunes the profiling passes. The zero value means defaults.
type Options struct {
	// SampleSize bounds the rows read for type inference.
	SampleSize int
	// TypeConfidence is the vote share a type needs to win; below it
	// the column is reported as mixed.
	TypeConfidence float64
	// ExactDistinctThreshold switches distinct counting to the sketch
	// estimate once the estimated cardinality exceeds it.
	ExactDistinctThreshold uint64
	// CategoricalCeiling is the distinct count at or below which a
	// string column is treated as categorical.
	CategoricalCeiling uint64
	// TopN caps the categorical histogram buckets.
	TopN int
	// HLLPrecision sets the cardinality sketch register count, 2^p.
	HLLPrecision uint8
	// QuantileK sets the quantile sketch size.
	QuantileK int
	// ReservoirSize bounds the value sample used for pattern matching.
	ReservoirSize int
	// Seed drives sketch and sampling randomness so profiles are
	// reproducible for fixed data and configuration.
	Seed int64
}

// DefaultOptions returns the default profiling configuration.
func DefaultOptions() Options {
	return Options{
		SampleSize:             DefaultSampleSize,
		TypeConfidence:         DefaultTypeConfidence,
		ExactDistinctThreshold: DefaultExactDistinctThreshold,
		CategoricalCeiling:     DefaultCategoricalCeiling,
		TopN:                   DefaultTopN,
		HLLPrecision:           DefaultHLLPrecision,
		QuantileK:              DefaultQuantileK,
		ReservoirSize:          DefaultReservoirSize,
		Seed:                   DefaultSeed,
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.SampleSize <= 0 {
		o.SampleSize = d.SampleSize
	}
	if o.TypeConfidence <= 0 || o.TypeConfidence > 1 {
		o.TypeConfidence = d.TypeConfidence
	}
	if o.ExactDistinctThreshold == 0 {
		o.ExactDistinctThreshold = d.ExactDistinctThreshold
	}
	if o.CategoricalCeiling == 0 {
		o.CategoricalCeiling = d.CategoricalCeiling
	}
	if o.TopN <= 0 {
		o.TopN = d.TopN
	}
	if o.HLLPrecision == 0 {
		o.HLLPrecision = d.HLLPrecision
	}
	if o.QuantileK <= 0 {
		o.QuantileK = d.QuantileK
	}
	if o.ReservoirSize <= 0 {
		o.ReservoirSize = d.ReservoirSize
	}
	if o.Seed == 0 {
		o.Seed = d.Seed
	}
	return o
}

// NumericStats is the distribution summary of a numeric column. The
// quantiles come from a bounded sketch; mean, stddev, min and max are
// exact. The fences mark the usual 1.5 IQR outlier bounds.
type NumericStats struct {
	Count       int64              `json:"count"`
	Mean        float64            `json:"mean"`
	StdDev      float64            `json:"stddev"`
	Min         float64            `json:"min"`
	Max         float64            `json:"max"`
	Quantiles   map[string]float64 `json:"quantiles"`
	LowerFence  float64            `json:"lower_fence"`
	UpperFence  float64            `json:"upper_fence"`
	HasOutliers bool               `json:"has_outliers"`
}

// StringStats summarizes value lengths of a string column, in bytes.
type StringStats struct {
	MinLength int     `json:"min_length"`
	MaxLength int     `json:"max_length"`
	AvgLength float64 `json:"avg_length"`
}

// Bucket is one value of a categorical histogram.
type Bucket struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// Histogram is the frequency table of a categorical column, capped at
// the configured bucket count. IsComplete is false when low-frequency
// values were dropped by the cap.
type Histogram struct {
	Buckets    []Bucket `json:"buckets"`
	IsComplete bool     `json:"is_complete"`
}

// TemporalStats summarizes a date column: observed range, the layout
// most values parse with, and the share of values parsing with it.
type TemporalStats struct {
	Min               time.Time `json:"min"`
	Max               time.Time `json:"max"`
	DominantFormat    string    `json:"dominant_format"`
	FormatConsistency float64   `json:"format_consistency"`
}

// ColumnProfile is an immutable per-column snapshot. The distribution
// fields are set according to the inferred type; a mixed column only
// carries the basic counts.
type ColumnProfile struct {
	Column         string  `json:"column"`
	InferredType   string  `json:"inferred_type"`
	TypeConfidence float64 `json:"type_confidence"`
	RowCount       int64   `json:"row_count"`
	NullCount      int64   `json:"null_count"`
	DistinctCount  uint64  `json:"distinct_count"`
	DistinctExact  bool    `json:"distinct_exact"`

	Numeric   *NumericStats  `json:"numeric,omitempty"`
	Strings   *StringStats   `json:"strings,omitempty"`
	Histogram *Histogram     `json:"histogram,omitempty"`
	Temporal  *TemporalStats `json:"temporal,omitempty"`
	Patterns  []PatternMatch `json:"patterns,omitempty"`
}

// ColumnError records the failure of a single column while profiling a
// table.
type ColumnError struct {
	Column string
	Err    error
}

func (e *ColumnError) Error() string {
	return fmt.Sprintf("column %s: %v", e.Column, e.Err)
}

func (e *ColumnError) Unwrap() error { return e.Err }

// TableProfile holds the per-column profiles of one table next to the
// errors of columns that failed.
type TableProfile struct {
	Table    string           `json:"table"`
	RowCount int64            `json:"row_count"`
	Columns  []*ColumnProfile `json:"columns"`
	Errors   []*ColumnError   `json:"-"`
}

// Profiler runs the three-pass pipeline. Safe for concurrent use.
type Profiler struct {
	opts   Options
	logger *zap.Logger
}

// Option configures a Profiler.
type Option func(*Profiler)

// WithLogger sets the profiler logger. Default is a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Profiler) { p.logger = l }
}

// New builds a profiler with the given options; zero fields fall back
// to defaults.
func New(opts Options, popts ...Option) *Profiler {
	p := &Profiler{opts: opts.normalized(), logger: zap.NewNop()}
	for _, opt := range popts {
		opt(p)
	}
	return p
}

// ProfileTable profiles every column of the dataset.
func (p *Profiler) ProfileTable(ctx context.Context, ds dataset.Dataset) (*TableProfile, error) {
	columns, err := ds.Columns(ctx)
	if err != nil {
		return nil, err
	}
	return p.ProfileColumns(ctx, ds, columns)
}

// ProfileColumns profiles the named columns. A failing column is
// recorded and does not abort the others; only a context cancellation
// or a failure to count the table's rows aborts the whole profile.
func (p *Profiler) ProfileColumns(ctx context.Context, ds dataset.Dataset, columns []string) (*TableProfile, error) {
	rows, err := ds.Aggregate(ctx, []dataset.Agg{{Kind: dataset.AggCountRows}})
	if err != nil {
		return nil, err
	}
	profile := &TableProfile{Table: ds.Name(), RowCount: int64(rows[0].Value)}

	p.logger.Info("profiling table",
		zap.String("table", ds.Name()),
		zap.Int("columns", len(columns)),
		zap.Int64("rows", profile.RowCount))

	for _, column := range columns {
		cp, err := p.ProfileColumn(ctx, ds, column)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("profiling %s: %w", ds.Name(), ctx.Err())
			}
			p.logger.Warn("column profiling failed",
				zap.String("table", ds.Name()),
				zap.String("column", column),
				zap.Error(err))
			profile.Errors = append(profile.Errors, &ColumnError{Column: column, Err: err})
			continue
		}
		profile.Columns = append(profile.Columns, cp)
	}

	p.logger.Info("table profiled",
		zap.String("table", ds.Name()),
		zap.Int("profiled", len(profile.Columns)),
		zap.Int("failed", len(profile.Errors)))
	return profile, nil
}

// ProfileColumn profiles one column through all three passes.
func (p *Profiler) ProfileColumn(ctx context.Context, ds dataset.Dataset, column string) (*ColumnProfile, error) {
	first, err := p.typeAndCardinality(ctx, ds, column)
	if err != nil {
		return nil, err
	}
	profile, err := p.basicAggregates(ctx, ds, column, first)
	if err != nil {
		return nil, err
	}
	if err := p.distribution(ctx, ds, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// firstPass carries the sampled type vote and the cardinality estimate
// into the later passes.
type firstPass struct {
	inferred inference
	estimate uint64
	exact    bool
}

func (p *Profiler) typeAndCardinality(ctx context.Context, ds dataset.Dataset, column string) (*firstPass, error) {
	sample, err := ds.SampleColumn(ctx, column, p.opts.SampleSize)
	if err != nil {
		return nil, err
	}
	inf := inferType(sample, p.opts.TypeConfidence)

	card := sketch.NewCardinalityState(p.opts.HLLPrecision, uint64(p.opts.Seed))
	err = ds.ScanColumn(ctx, column, func(v any) error {
		card.Observe(dataset.AsString(v))
		return nil
	})
	if err != nil {
		return nil, err
	}
	estimate := card.Estimate()
	return &firstPass{
		inferred: inf,
		estimate: estimate,
		exact:    estimate <= p.opts.ExactDistinctThreshold,
	}, nil
}

func (p *Profiler) basicAggregates(ctx context.Context, ds dataset.Dataset, column string, first *firstPass) (*ColumnProfile, error) {
	aggs := []dataset.Agg{
		{Kind: dataset.AggCountRows},
		{Kind: dataset.AggCountNonNull, Column: column},
	}
	if first.exact {
		aggs = append(aggs, dataset.Agg{Kind: dataset.AggCountDistinct, Column: column})
	}
	results, err := ds.Aggregate(ctx, aggs)
	if err != nil {
		return nil, err
	}
	if len(results) != len(aggs) {
		return nil, fmt.Errorf("profiler: aggregate returned %d results, want %d", len(results), len(aggs))
	}

	rows := int64(results[0].Value)
	nonNull := int64(results[1].Value)
	profile := &ColumnProfile{
		Column:         column,
		InferredType:   first.inferred.kind,
		TypeConfidence: first.inferred.confidence,
		RowCount:       rows,
		NullCount:      rows - nonNull,
		DistinctExact:  first.exact,
	}
	if first.exact {
		profile.DistinctCount = uint64(results[2].Value)
	} else {
		profile.DistinctCount = first.estimate
	}

	// The settled distinct count decides the categorical split. Only
	// strings are promoted; low-cardinality numbers keep their numeric
	// distribution.
	if profile.InferredType == TypeString &&
		profile.DistinctCount > 0 && profile.DistinctCount <= p.opts.CategoricalCeiling {
		profile.InferredType = TypeCategorical
	}
	return profile, nil
}

func (p *Profiler) distribution(ctx context.Context, ds dataset.Dataset, profile *ColumnProfile) error {
	switch profile.InferredType {
	case TypeInteger, TypeDecimal:
		return p.numericDistribution(ctx, ds, profile)
	case TypeCategorical:
		return p.categoricalDistribution(ctx, ds, profile)
	case TypeString:
		return p.stringDistribution(ctx, ds, profile)
	case TypeDate:
		return p.temporalDistribution(ctx, ds, profile)
	default:
		// Mixed columns carry no distribution.
		return nil
	}
}

func quantileLabel(q float64) string {
	return "p" + strconv.FormatFloat(q*100, 'g', -1, 64)
}

func (p *Profiler) numericDistribution(ctx context.Context, ds dataset.Dataset, profile *ColumnProfile) error {
	quant := sketch.NewQuantileState(p.opts.QuantileK, p.opts.Seed, sketch.DefaultQuantiles)
	var count int64
	var sum, sumSquares float64
	min, max := math.Inf(1), math.Inf(-1)

	err := ds.ScanColumn(ctx, profile.Column, func(v any) error {
		f, ok := dataset.AsFloat(v)
		if !ok {
			return nil
		}
		quant.Observe(f)
		count++
		sum += f
		sumSquares += f * f
		min = math.Min(min, f)
		max = math.Max(max, f)
		return nil
	})
	if err != nil {
		return err
	}
	if count == 0 {
		// Sampled numeric, but the full column had nothing parseable.
		return nil
	}

	mean := sum / float64(count)
	variance := sumSquares/float64(count) - mean*mean
	if variance < 0 {
		variance = 0
	}
	stats := &NumericStats{
		Count:     count,
		Mean:      mean,
		StdDev:    math.Sqrt(variance),
		Min:       min,
		Max:       max,
		Quantiles: make(map[string]float64, len(sketch.DefaultQuantiles)),
	}
	for _, q := range sketch.DefaultQuantiles {
		stats.Quantiles[quantileLabel(q)] = quant.Quantile(q)
	}

	q1, q3 := stats.Quantiles["p25"], stats.Quantiles["p75"]
	iqr := q3 - q1
	stats.LowerFence = q1 - 1.5*iqr
	stats.UpperFence = q3 + 1.5*iqr
	stats.HasOutliers = min < stats.LowerFence || max > stats.UpperFence

	profile.Numeric = stats
	return nil
}

func (p *Profiler) categoricalDistribution(ctx context.Context, ds dataset.Dataset, profile *ColumnProfile) error {
	hist := metric.NewHistogramState(p.opts.TopN)
	err := ds.ScanColumn(ctx, profile.Column, func(v any) error {
		hist.Observe(dataset.AsString(v))
		return nil
	})
	if err != nil {
		return err
	}
	top := hist.TopBuckets()
	buckets := make([]Bucket, len(top))
	for i, e := range top {
		buckets[i] = Bucket{Value: e.Name, Count: int64(e.Value)}
	}
	profile.Histogram = &Histogram{Buckets: buckets, IsComplete: hist.Complete()}
	return nil
}

func (p *Profiler) stringDistribution(ctx context.Context, ds dataset.Dataset, profile *ColumnProfile) error {
	reservoir := sketch.NewReservoir(p.opts.ReservoirSize, p.opts.Seed)
	var count, totalLen int64
	minLen, maxLen := -1, 0

	err := ds.ScanColumn(ctx, profile.Column, func(v any) error {
		s := dataset.AsString(v)
		reservoir.Add(s)
		count++
		totalLen += int64(len(s))
		if minLen < 0 || len(s) < minLen {
			minLen = len(s)
		}
		if len(s) > maxLen {
			maxLen = len(s)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}

	profile.Strings = &StringStats{
		MinLength: minLen,
		MaxLength: maxLen,
		AvgLength: float64(totalLen) / float64(count),
	}
	profile.Patterns = DetectPatterns(reservoir.Items())
	return nil
}

func (p *Profiler) temporalDistribution(ctx context.Context, ds dataset.Dataset, profile *ColumnProfile) error {
	var minT, maxT time.Time
	var scanned int64
	layoutCounts := make(map[string]int64)

	err := ds.ScanColumn(ctx, profile.Column, func(v any) error {
		scanned++
		if t, ok := v.(time.Time); ok {
			layoutCounts[time.RFC3339]++
			minT, maxT = widenRange(minT, maxT, t)
			return nil
		}
		t, layout, ok := parseDate(strings.TrimSpace(dataset.AsString(v)))
		if !ok {
			return nil
		}
		layoutCounts[layout]++
		minT, maxT = widenRange(minT, maxT, t)
		return nil
	})
	if err != nil {
		return err
	}
	if scanned == 0 || len(layoutCounts) == 0 {
		return nil
	}

	dominant, best := "", int64(0)
	for layout, c := range layoutCounts {
		if c > best || (c == best && layout < dominant) {
			dominant, best = layout, c
		}
	}
	profile.Temporal = &TemporalStats{
		Min:               minT,
		Max:               maxT,
		DominantFormat:    dominant,
		FormatConsistency: float64(best) / float64(scanned),
	}
	return nil
}

func widenRange(minT, maxT, t time.Time) (time.Time, time.Time) {
	if minT.IsZero() || t.Before(minT) {
		minT = t
	}
	if maxT.IsZero() || t.After(maxT) {
		maxT = t
	}
	return minT, maxT
}
