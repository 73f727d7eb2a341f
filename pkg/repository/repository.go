// Package repository stores finalized metric values over time and
// serves the history that anomaly detection baselines on. A series is
// identified by metric name plus a canonicalized tag set.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/veridata/dqe/pkg/metric"
)

// ErrNonScalarValue reports an attempt to store a value that has no
// scalar time series, i.e. a sketch handle.
var ErrNonScalarValue = errors.New("repository: value has no scalar representation")

// Point is one observation of a series.
type Point struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// Repository records metric observations and returns windowed history.
//
// Store accepts long and double values directly; a distribution fans
// out into one series per entry, named "{name}.{entry}". Sketch values
// are rejected with ErrNonScalarValue. A zero at means "now" on the
// repository's clock. History returns points within [from, to] in
// ascending time order; a zero bound is open.
type Repository interface {
	Store(ctx context.Context, name string, value metric.Value, at time.Time, tags map[string]string) error
	History(ctx context.Context, name string, tags map[string]string, from, to time.Time) ([]Point, error)
}

// sample is one scalar observation extracted from a metric value.
type sample struct {
	series string
	value  float64
}

// expand flattens a metric value into scalar samples.
func expand(name string, v metric.Value) ([]sample, error) {
	if entries, ok := v.Distribution(); ok {
		out := make([]sample, len(entries))
		for i, e := range entries {
			out[i] = sample{series: name + "." + e.Name, value: e.Value}
		}
		return out, nil
	}
	if f, ok := v.Float(); ok {
		return []sample{{series: name, value: f}}, nil
	}
	return nil, fmt.Errorf("%w: metric %s", ErrNonScalarValue, name)
}

// canonicalTags renders a tag set as a deterministic string so equal
// sets always map to the same series.
func canonicalTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(tags))
	for k, v := range tags {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// inWindow applies the [from, to] bounds, zero meaning open.
func inWindow(at, from, to time.Time) bool {
	if !from.IsZero() && at.Before(from) {
		return false
	}
	if !to.IsZero() && at.After(to) {
		return false
	}
	return true
}
