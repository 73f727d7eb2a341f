package analyzer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridata/dqe/pkg/dataset"
	"github.com/veridata/dqe/pkg/metric"
)

type stubAnalyzer struct {
	name      string
	qualifier string
	compute   func(ctx context.Context, ds dataset.Dataset) (metric.State, error)
}

func (s *stubAnalyzer) Name() string      { return s.name }
func (s *stubAnalyzer) Qualifier() string { return s.qualifier }

func (s *stubAnalyzer) ComputeState(ctx context.Context, ds dataset.Dataset) (metric.State, error) {
	return s.compute(ctx, ds)
}

func okStub(name string) *stubAnalyzer {
	return &stubAnalyzer{
		name:      name,
		qualifier: "v",
		compute: func(context.Context, dataset.Dataset) (metric.State, error) {
			return &metric.SizeState{Count: 1}, nil
		},
	}
}

func failStub(name string, err error) *stubAnalyzer {
	return &stubAnalyzer{
		name:      name,
		qualifier: "v",
		compute: func(context.Context, dataset.Dataset) (metric.State, error) {
			return nil, err
		},
	}
}

func TestNewRunnerRejectsDuplicateKeys(t *testing.T) {
	_, err := NewRunner([]Analyzer{Mean("amount"), Mean("amount")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mean.amount")

	// Same name on different columns is fine.
	_, err = NewRunner([]Analyzer{Mean("a"), Mean("b")})
	assert.NoError(t, err)
}

func TestRunnerAllSucceed(t *testing.T) {
	ds := ordersDataset(t)
	r, err := NewRunner([]Analyzer{Size(), Completeness("amount"), Mean("amount")})
	require.NoError(t, err)

	res := r.Run(context.Background(), ds)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.NotEmpty(t, res.RunID)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Cancelled)
	require.Len(t, res.Metrics, 3)
	assert.True(t, res.Metrics["size.*"].Equal(metric.Long(5)))
}

func TestRunnerContinueOnError(t *testing.T) {
	ds := dataset.NewMemoryColumn("t", "v", []any{1.0})
	boom := errors.New("boom")
	r, err := NewRunner([]Analyzer{
		okStub("first"),
		failStub("second", boom),
		okStub("third"),
	})
	require.NoError(t, err)

	res := r.Run(context.Background(), ds)
	assert.Equal(t, StatusCompletedWithErrors, res.Status)
	assert.Empty(t, res.Cancelled)

	// Both working analyzers still produced metrics.
	assert.Contains(t, res.Metrics, "first.v")
	assert.Contains(t, res.Metrics, "third.v")
	assert.NotContains(t, res.Metrics, "second.v")

	require.Len(t, res.Errors, 1)
	assert.Equal(t, "second.v", res.Errors[0].Key)
	assert.ErrorIs(t, res.Errors[0].Err, boom)
}

func TestRunnerStopsWhenContinueOnErrorDisabled(t *testing.T) {
	ds := dataset.NewMemoryColumn("t", "v", []any{1.0})
	r, err := NewRunner([]Analyzer{
		okStub("first"),
		failStub("second", errors.New("boom")),
		okStub("third"),
	}, WithContinueOnError(false))
	require.NoError(t, err)

	res := r.Run(context.Background(), ds)
	assert.Equal(t, StatusCompletedWithErrors, res.Status)
	assert.Contains(t, res.Metrics, "first.v")
	assert.NotContains(t, res.Metrics, "third.v")
	require.Len(t, res.Errors, 1)
	assert.Equal(t, []string{"third.v"}, res.Cancelled)
}

func TestRunnerProgress(t *testing.T) {
	ds := dataset.NewMemoryColumn("t", "v", []any{1.0})
	var fractions []float64
	r, err := NewRunner([]Analyzer{
		okStub("a"), okStub("b"), okStub("c"), okStub("d"),
	}, WithProgress(func(f float64) { fractions = append(fractions, f) }))
	require.NoError(t, err)

	r.Run(context.Background(), ds)
	require.Len(t, fractions, 4)
	assert.InDelta(t, 0.25, fractions[0], 1e-12)
	assert.InDelta(t, 0.5, fractions[1], 1e-12)
	assert.InDelta(t, 0.75, fractions[2], 1e-12)
	assert.InDelta(t, 1.0, fractions[3], 1e-12)
}

func TestRunnerProgressPanicDoesNotAbortRun(t *testing.T) {
	ds := dataset.NewMemoryColumn("t", "v", []any{1.0})
	r, err := NewRunner([]Analyzer{okStub("a"), okStub("b")},
		WithProgress(func(float64) { panic("listener bug") }))
	require.NoError(t, err)

	res := r.Run(context.Background(), ds)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Len(t, res.Metrics, 2)
}

func TestRunnerCancellationBetweenAnalyzers(t *testing.T) {
	ds := dataset.NewMemoryColumn("t", "v", []any{1.0})
	ctx, cancel := context.WithCancel(context.Background())

	cancelling := &stubAnalyzer{
		name:      "first",
		qualifier: "v",
		compute: func(context.Context, dataset.Dataset) (metric.State, error) {
			cancel()
			return &metric.SizeState{Count: 1}, nil
		},
	}
	r, err := NewRunner([]Analyzer{cancelling, okStub("second"), okStub("third")})
	require.NoError(t, err)

	res := r.Run(ctx, ds)
	assert.Equal(t, StatusCancelled, res.Status)

	// The analyzer that finished before cancellation keeps its metric.
	assert.Contains(t, res.Metrics, "first.v")
	assert.Len(t, res.Metrics, 1)
	assert.Equal(t, []string{"second.v", "third.v"}, res.Cancelled)
	assert.Empty(t, res.Errors)
}

func TestRunnerCancellationDuringCompute(t *testing.T) {
	ds := dataset.NewMemoryColumn("t", "v", []any{1.0})
	ctx, cancel := context.WithCancel(context.Background())

	aborting := &stubAnalyzer{
		name:      "slow",
		qualifier: "v",
		compute: func(ctx context.Context, _ dataset.Dataset) (metric.State, error) {
			cancel()
			return nil, ctx.Err()
		},
	}
	r, err := NewRunner([]Analyzer{okStub("fast"), aborting, okStub("after")})
	require.NoError(t, err)

	res := r.Run(ctx, ds)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Contains(t, res.Metrics, "fast.v")
	// The interrupted analyzer counts as cancelled, not errored.
	assert.Empty(t, res.Errors)
	assert.Equal(t, []string{"slow.v", "after.v"}, res.Cancelled)
}
