// Package analyzer defines metric analyzers and the runner that
// executes a batch of them against a dataset. An analyzer computes a
// mergeable state from data; turning the state into a metric value is
// a pure finalization step, so incremental callers can persist and
// merge states across partitions before finalizing.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/veridata/dqe/pkg/dataset"
	"github.com/veridata/dqe/pkg/metric"
)

// TableQualifier is the qualifier of table-scoped analyzers such as
// row count.
const TableQualifier = "*"

// ErrInsufficientData reports that a column held no usable values for
// the requested statistic, e.g. a minimum over an all-null column.
var ErrInsufficientData = errors.New("analyzer: insufficient data")

// Analyzer computes one metric over a dataset. ComputeState is the
// only data-touching operation; it may block on the underlying engine
// and honors ctx. The returned state finalizes via Metric().
type Analyzer interface {
	// Name identifies the statistic, e.g. "mean".
	Name() string
	// Qualifier scopes the statistic: a column name, or TableQualifier
	// for whole-table analyzers.
	Qualifier() string
	// ComputeState derives a fresh mergeable state from the dataset.
	ComputeState(ctx context.Context, ds dataset.Dataset) (metric.State, error)
}

// MetricKey is the identity of an analyzer's result, "name.qualifier".
// Two analyzers with equal keys would silently overwrite each other,
// so NewRunner rejects duplicates.
func MetricKey(a Analyzer) string {
	return a.Name() + "." + a.Qualifier()
}

// AnalyzerError records the failure of a single analyzer within a run.
type AnalyzerError struct {
	Key string
	Err error
}

func (e *AnalyzerError) Error() string {
	return fmt.Sprintf("analyzer %s: %v", e.Key, e.Err)
}

func (e *AnalyzerError) Unwrap() error { return e.Err }

type analyzerErrorJSON struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// MarshalJSON flattens the wrapped error to its message.
func (e AnalyzerError) MarshalJSON() ([]byte, error) {
	env := analyzerErrorJSON{Key: e.Key}
	if e.Err != nil {
		env.Error = e.Err.Error()
	}
	return json.Marshal(env)
}

// UnmarshalJSON rebuilds the failure from its flattened form. The
// typed error chain does not survive the round trip, only the message.
func (e *AnalyzerError) UnmarshalJSON(data []byte) error {
	var env analyzerErrorJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	e.Key = env.Key
	e.Err = errors.New(env.Error)
	return nil
}
