package analyzer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veridata/dqe/pkg/dataset"
	"github.com/veridata/dqe/pkg/metric"
)

// Status summarizes how an analysis run ended.
type Status string

const (
	// StatusSucceeded: every analyzer produced a metric.
	StatusSucceeded Status = "succeeded"
	// StatusCompletedWithErrors: the run finished but at least one
	// analyzer failed.
	StatusCompletedWithErrors Status = "completed_with_errors"
	// StatusCancelled: the context ended before every analyzer ran.
	StatusCancelled Status = "cancelled"
)

// RunResult holds everything a run produced. Metrics from analyzers
// that finished before an error or cancellation are always present.
type RunResult struct {
	RunID     string                  `json:"run_id"`
	Metrics   map[string]metric.Value `json:"metrics"`
	Errors    []AnalyzerError         `json:"errors,omitempty"`
	Cancelled []string                `json:"cancelled,omitempty"`
	Status    Status                  `json:"status"`
}

// Runner executes a fixed batch of analyzers sequentially against a
// dataset.
type Runner struct {
	analyzers       []Analyzer
	keys            []string
	continueOnError bool
	progress        func(fraction float64)
	logger          *zap.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithContinueOnError controls whether the run keeps going after an
// analyzer fails. Default true.
func WithContinueOnError(v bool) Option {
	return func(r *Runner) { r.continueOnError = v }
}

// WithProgress installs a callback invoked with the completed fraction
// after each analyzer. A panicking callback is recovered and does not
// disturb the run.
func WithProgress(fn func(fraction float64)) Option {
	return func(r *Runner) { r.progress = fn }
}

// WithLogger sets the run logger. Default is a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// NewRunner builds a runner over the given analyzers. Two analyzers
// producing the same metric key is a configuration error and is
// rejected here rather than surfacing as a silent overwrite.
func NewRunner(analyzers []Analyzer, opts ...Option) (*Runner, error) {
	r := &Runner{
		analyzers:       analyzers,
		continueOnError: true,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	seen := make(map[string]struct{}, len(analyzers))
	for _, a := range analyzers {
		key := MetricKey(a)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("analyzer: duplicate metric key %q", key)
		}
		seen[key] = struct{}{}
		r.keys = append(r.keys, key)
	}
	return r, nil
}

// Run executes every analyzer and finalizes the resulting states.
// Cancellation is observed between analyzers: metrics already computed
// stay in the result and the rest are listed as cancelled.
func (r *Runner) Run(ctx context.Context, ds dataset.Dataset) *RunResult {
	res := &RunResult{
		RunID:   uuid.NewString(),
		Metrics: make(map[string]metric.Value, len(r.analyzers)),
	}
	r.logger.Info("starting analysis run",
		zap.String("run_id", res.RunID),
		zap.String("table", ds.Name()),
		zap.Int("analyzers", len(r.analyzers)))

	total := len(r.analyzers)
	for i, a := range r.analyzers {
		key := r.keys[i]
		if ctx.Err() != nil {
			res.Cancelled = append(res.Cancelled, r.keys[i:]...)
			res.Status = StatusCancelled
			r.logger.Info("analysis run cancelled",
				zap.String("run_id", res.RunID),
				zap.Int("completed", i))
			return res
		}

		state, err := a.ComputeState(ctx, ds)
		if err != nil {
			if ctx.Err() != nil {
				res.Cancelled = append(res.Cancelled, r.keys[i:]...)
				res.Status = StatusCancelled
				r.logger.Info("analysis run cancelled",
					zap.String("run_id", res.RunID),
					zap.Int("completed", i))
				return res
			}
			res.Errors = append(res.Errors, AnalyzerError{Key: key, Err: err})
			r.logger.Warn("analyzer failed",
				zap.String("run_id", res.RunID),
				zap.String("metric", key),
				zap.Error(err))
			if !r.continueOnError {
				res.Cancelled = append(res.Cancelled, r.keys[i+1:]...)
				res.Status = StatusCompletedWithErrors
				return res
			}
		} else {
			res.Metrics[key] = state.Metric()
		}
		r.reportProgress(float64(i+1) / float64(total))
	}

	if len(res.Errors) > 0 {
		res.Status = StatusCompletedWithErrors
	} else {
		res.Status = StatusSucceeded
	}
	r.logger.Info("analysis run finished",
		zap.String("run_id", res.RunID),
		zap.String("status", string(res.Status)),
		zap.Int("metrics", len(res.Metrics)),
		zap.Int("errors", len(res.Errors)))
	return res
}

func (r *Runner) reportProgress(fraction float64) {
	if r.progress == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("progress callback panicked", zap.Any("panic", p))
		}
	}()
	r.progress(fraction)
}
