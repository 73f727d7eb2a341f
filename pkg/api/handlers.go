package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/veridata/dqe/pkg/analyzer"
	"github.com/veridata/dqe/pkg/anomaly"
	"github.com/veridata/dqe/pkg/dataset"
	"github.com/veridata/dqe/pkg/incremental"
	"github.com/veridata/dqe/pkg/profiler"
	"github.com/veridata/dqe/pkg/repository"
)

// DefaultSeries is the incremental series used when a request names
// none.
const DefaultSeries = "default"

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, JSON{"status": "ok"})
}

func (h *Handler) ListTables(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.QueryContext(r.Context(),
		`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' AND name NOT LIKE 'dqe_%' ORDER BY 1`)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, JSON{"error": err.Error()})
		return
	}
	defer rows.Close()
	tables := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			continue
		}
		tables = append(tables, name)
	}
	writeJSON(w, http.StatusOK, JSON{"tables": tables})
}

// ProfileOptions mirrors the profiler options for requests; zero
// fields fall back to the profiler defaults.
type ProfileOptions struct {
	SampleSize             int     `json:"sample_size,omitempty"`
	TypeConfidence         float64 `json:"type_confidence,omitempty"`
	ExactDistinctThreshold uint64  `json:"exact_distinct_threshold,omitempty"`
	CategoricalCeiling     uint64  `json:"categorical_ceiling,omitempty"`
	TopN                   int     `json:"top_n,omitempty"`
	HLLPrecision           uint8   `json:"hll_precision,omitempty"`
	QuantileK              int     `json:"quantile_k,omitempty"`
	ReservoirSize          int     `json:"reservoir_size,omitempty"`
	Seed                   int64   `json:"seed,omitempty"`
}

func (o *ProfileOptions) toProfiler() profiler.Options {
	if o == nil {
		return profiler.Options{}
	}
	return profiler.Options{
		SampleSize:             o.SampleSize,
		TypeConfidence:         o.TypeConfidence,
		ExactDistinctThreshold: o.ExactDistinctThreshold,
		CategoricalCeiling:     o.CategoricalCeiling,
		TopN:                   o.TopN,
		HLLPrecision:           o.HLLPrecision,
		QuantileK:              o.QuantileK,
		ReservoirSize:          o.ReservoirSize,
		Seed:                   o.Seed,
	}
}

type ProfileRequest struct {
	Table   string          `json:"table"`
	Columns []string        `json:"columns,omitempty"`
	Options *ProfileOptions `json:"options,omitempty"`
}

func (h *Handler) PostProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, JSON{"error": "invalid json"})
		return
	}
	if req.Table == "" {
		writeJSON(w, http.StatusBadRequest, JSON{"error": "table required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	ds, err := dataset.NewSQL(h.db, req.Table)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, JSON{"error": err.Error()})
		return
	}
	p := profiler.New(req.Options.toProfiler(), profiler.WithLogger(h.logger))

	var profile *profiler.TableProfile
	if len(req.Columns) > 0 {
		profile, err = p.ProfileColumns(ctx, ds, req.Columns)
	} else {
		profile, err = p.ProfileTable(ctx, ds)
	}
	if err != nil {
		writeJSON(w, statusForDataError(err), JSON{"error": err.Error()})
		return
	}

	columnErrors := []JSON{}
	for _, ce := range profile.Errors {
		columnErrors = append(columnErrors, JSON{"column": ce.Column, "error": ce.Err.Error()})
	}
	writeJSON(w, http.StatusOK, JSON{
		"table":     profile.Table,
		"row_count": profile.RowCount,
		"columns":   profile.Columns,
		"errors":    columnErrors,
	})
}

// AnalyzerSpec names one analyzer in a request.
type AnalyzerSpec struct {
	Type   string         `json:"type"`
	Column string         `json:"column,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

func buildAnalyzers(specs []AnalyzerSpec) ([]analyzer.Analyzer, error) {
	if len(specs) == 0 {
		return nil, errors.New("at least one analyzer required")
	}
	out := make([]analyzer.Analyzer, 0, len(specs))
	for _, s := range specs {
		a, err := analyzer.FromSpec(s.Type, s.Column, s.Params)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

type AnalyzeRequest struct {
	Table     string         `json:"table"`
	Analyzers []AnalyzerSpec `json:"analyzers"`
}

// PostAnalyze runs a one-shot analysis and records every scalar metric
// into the history repository, tagged with the table, so later anomaly
// checks have a baseline to work against.
func (h *Handler) PostAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, JSON{"error": "invalid json"})
		return
	}
	if req.Table == "" {
		writeJSON(w, http.StatusBadRequest, JSON{"error": "table required"})
		return
	}
	analyzers, err := buildAnalyzers(req.Analyzers)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, JSON{"error": err.Error()})
		return
	}
	runner, err := analyzer.NewRunner(analyzers, analyzer.WithLogger(h.logger))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, JSON{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	ds, err := dataset.NewSQL(h.db, req.Table)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, JSON{"error": err.Error()})
		return
	}
	res := runner.Run(ctx, ds)

	recorded := 0
	tags := map[string]string{"table": req.Table}
	for key, value := range res.Metrics {
		err := h.repo.Store(ctx, key, value, time.Time{}, tags)
		if errors.Is(err, repository.ErrNonScalarValue) {
			continue
		}
		if err != nil {
			h.logger.Warn("history write failed", zap.String("metric", key), zap.Error(err))
			continue
		}
		recorded++
	}

	writeJSON(w, http.StatusOK, JSON{
		"table":    req.Table,
		"recorded": recorded,
		"run":      res,
	})
}

func analyzerKeySet(analyzers []analyzer.Analyzer) string {
	keys := make([]string, len(analyzers))
	for i, a := range analyzers {
		keys[i] = analyzer.MetricKey(a)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// errSeriesMismatch distinguishes a conflicting re-configuration from
// other runner construction failures.
var errSeriesMismatch = errors.New("api: series analyzer set mismatch")

// runnerFor returns the process-wide runner owning the series, creating
// it on first use. The first request fixes the series' analyzer set;
// later requests must carry the same set.
func (h *Handler) runnerFor(series string, analyzers []analyzer.Analyzer) (*incremental.Runner, error) {
	keys := analyzerKeySet(analyzers)
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.runners[series]; ok {
		if e.keys != keys {
			return nil, fmt.Errorf("%w: series %q runs [%s]", errSeriesMismatch, series, e.keys)
		}
		return e.runner, nil
	}
	runner, err := incremental.NewRunner(series, analyzers, h.store, incremental.WithLogger(h.logger))
	if err != nil {
		return nil, err
	}
	h.runners[series] = &runnerEntry{runner: runner, keys: keys}
	return runner, nil
}

// readerFor returns a runner for reading series state. A series this
// process has not written gets a detached read-only view; its analyzer
// list is irrelevant because reads only decode stored states.
func (h *Handler) readerFor(series string) (*incremental.Runner, error) {
	h.mu.Lock()
	if e, ok := h.runners[series]; ok {
		h.mu.Unlock()
		return e.runner, nil
	}
	h.mu.Unlock()
	return incremental.NewRunner(series, []analyzer.Analyzer{analyzer.Size()}, h.store)
}

type PartitionAnalyzeRequest struct {
	Table     string         `json:"table"`
	Series    string         `json:"series,omitempty"`
	Analyzers []AnalyzerSpec `json:"analyzers"`
}

func (h *Handler) PostPartitionAnalyze(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	var req PartitionAnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, JSON{"error": "invalid json"})
		return
	}
	if req.Table == "" {
		writeJSON(w, http.StatusBadRequest, JSON{"error": "table required"})
		return
	}
	analyzers, err := buildAnalyzers(req.Analyzers)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, JSON{"error": err.Error()})
		return
	}
	series := req.Series
	if series == "" {
		series = DefaultSeries
	}
	runner, err := h.runnerFor(series, analyzers)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errSeriesMismatch) {
			status = http.StatusConflict
		}
		writeJSON(w, status, JSON{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	ds, err := dataset.NewSQL(h.db, req.Table)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, JSON{"error": err.Error()})
		return
	}
	if err := runner.ProcessPartition(ctx, key, ds); err != nil {
		if errors.Is(err, incremental.ErrPartitionProcessed) {
			writeJSON(w, http.StatusConflict, JSON{"error": err.Error()})
			return
		}
		writeJSON(w, statusForDataError(err), JSON{"error": err.Error()})
		return
	}

	metrics, err := runner.Metrics(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, JSON{"error": err.Error()})
		return
	}
	processed, err := runner.Processed(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, JSON{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, JSON{
		"series":    series,
		"partition": key,
		"metrics":   metrics,
		"processed": processed,
	})
}

func (h *Handler) ListPartitions(w http.ResponseWriter, r *http.Request) {
	series := seriesParam(r)
	reader, err := h.readerFor(series)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, JSON{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	processed, err := reader.Processed(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, JSON{"error": err.Error()})
		return
	}
	gaps, err := reader.Gaps(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, JSON{"error": err.Error()})
		return
	}
	if gaps == nil {
		gaps = []incremental.Gap{}
	}
	writeJSON(w, http.StatusOK, JSON{
		"series":     series,
		"partitions": processed,
		"gaps":       gaps,
	})
}

func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	series := seriesParam(r)
	reader, err := h.readerFor(series)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, JSON{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	metrics, err := reader.Metrics(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, JSON{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, JSON{"series": series, "metrics": metrics})
}

// GetMetricHistory returns the stored observations of one series.
// Query parameters: from and to bound the window (RFC 3339, both
// optional); every other parameter is treated as a tag filter, e.g.
// ?table=orders.
func (h *Handler) GetMetricHistory(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	q := r.URL.Query()

	var from, to time.Time
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			writeJSON(w, http.StatusBadRequest, JSON{"error": "from: " + err.Error()})
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			writeJSON(w, http.StatusBadRequest, JSON{"error": "to: " + err.Error()})
			return
		}
	}
	tags := map[string]string{}
	for k, vs := range q {
		if k == "from" || k == "to" || len(vs) == 0 {
			continue
		}
		tags[k] = vs[0]
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	points, err := h.repo.History(ctx, name, tags, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, JSON{"error": err.Error()})
		return
	}
	if points == nil {
		points = []repository.Point{}
	}
	writeJSON(w, http.StatusOK, JSON{"metric": name, "points": points})
}

type AnomalyCheckRequest struct {
	Metric string            `json:"metric"`
	Value  *float64          `json:"value,omitempty"`
	Tags   map[string]string `json:"tags,omitempty"`
	From   *time.Time        `json:"from,omitempty"`
	To     *time.Time        `json:"to,omitempty"`
}

// PostAnomalyCheck judges an observation against the metric's stored
// history. Without an explicit value the latest stored point is judged
// against the points before it.
func (h *Handler) PostAnomalyCheck(w http.ResponseWriter, r *http.Request) {
	var req AnomalyCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, JSON{"error": "invalid json"})
		return
	}
	if req.Metric == "" {
		writeJSON(w, http.StatusBadRequest, JSON{"error": "metric required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var from, to time.Time
	if req.From != nil {
		from = *req.From
	}
	if req.To != nil {
		to = *req.To
	}
	points, err := h.repo.History(ctx, req.Metric, req.Tags, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, JSON{"error": err.Error()})
		return
	}

	history := points
	var current float64
	if req.Value != nil {
		current = *req.Value
	} else {
		if len(points) == 0 {
			writeJSON(w, http.StatusBadRequest, JSON{"error": "no history for metric and no value given"})
			return
		}
		current = points[len(points)-1].Value
		history = points[:len(points)-1]
	}

	anomalies, abstentions := h.registry.Check(req.Metric, history, current)
	if anomalies == nil {
		anomalies = []anomaly.Anomaly{}
	}
	if abstentions == nil {
		abstentions = []anomaly.Abstention{}
	}
	writeJSON(w, http.StatusOK, JSON{
		"metric":         req.Metric,
		"value":          current,
		"history_points": len(history),
		"anomalies":      anomalies,
		"abstentions":    abstentions,
	})
}

func seriesParam(r *http.Request) string {
	if s := r.URL.Query().Get("series"); s != "" {
		return s
	}
	return DefaultSeries
}

// statusForDataError maps dataset access failures to 404 and anything
// else to 500.
func statusForDataError(err error) int {
	var accessErr *dataset.AccessError
	if errors.As(err, &accessErr) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
