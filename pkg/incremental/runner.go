package incremental

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/veridata/dqe/pkg/analyzer"
	"github.com/veridata/dqe/pkg/dataset"
	"github.com/veridata/dqe/pkg/metric"
	"github.com/veridata/dqe/pkg/store"
)

// ErrPartitionProcessed reports an attempt to process a partition the
// series has already absorbed while the reject policy is active.
var ErrPartitionProcessed = errors.New("incremental: partition already processed")

// ReprocessPolicy decides what happens when a partition key arrives a
// second time.
type ReprocessPolicy int

const (
	// ReprocessReject refuses the partition with ErrPartitionProcessed.
	ReprocessReject ReprocessPolicy = iota
	// ReprocessReplace recomputes the partition and rebuilds the
	// cumulative series from the retained per-partition deltas.
	// Sketch states cannot be subtracted, so replacement is a rebuild.
	ReprocessReplace
)

// Partition pairs a partition key with the dataset holding its rows.
type Partition struct {
	Key     string
	Dataset dataset.Dataset
}

// Runner drives one metric series. Per-partition states are persisted
// twice: as an audit delta under the partition's own key, and merged
// into the cumulative map that also carries the ledger. The processed
// marker only advances when the cumulative save succeeds, so a crashed
// run is re-runnable (at-least-once).
//
// A series must be owned by a single Runner per process; the internal
// mutex serializes load-merge-save cycles for that series.
type Runner struct {
	series      string
	analyzers   []analyzer.Analyzer
	keys        []string
	store       store.StateStore
	policy      ReprocessPolicy
	concurrency int
	logger      *zap.Logger

	mu sync.Mutex
}

// Option configures a Runner.
type Option func(*Runner)

// WithReprocessPolicy sets the duplicate-partition behavior. Default
// ReprocessReject.
func WithReprocessPolicy(p ReprocessPolicy) Option {
	return func(r *Runner) { r.policy = p }
}

// WithConcurrency bounds how many partitions ProcessPartitions
// computes at once. Default 1.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithLogger sets the runner logger. Default is a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// NewRunner builds the runner for one series.
func NewRunner(series string, analyzers []analyzer.Analyzer, st store.StateStore, opts ...Option) (*Runner, error) {
	if series == "" || strings.Contains(series, "/") {
		return nil, fmt.Errorf("incremental: invalid series id %q", series)
	}
	if len(analyzers) == 0 {
		return nil, errors.New("incremental: no analyzers")
	}
	r := &Runner{
		series:      series,
		analyzers:   analyzers,
		store:       st,
		policy:      ReprocessReject,
		concurrency: 1,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	seen := make(map[string]struct{}, len(analyzers))
	for _, a := range analyzers {
		key := analyzer.MetricKey(a)
		if strings.HasPrefix(key, "_") {
			return nil, fmt.Errorf("incremental: metric key %q collides with reserved keys", key)
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("incremental: duplicate metric key %q", key)
		}
		seen[key] = struct{}{}
		r.keys = append(r.keys, key)
	}
	return r, nil
}

func (r *Runner) cumulativeKey() string { return r.series + "/cumulative" }

func (r *Runner) deltaKey(partition string) string {
	return r.series + "/partitions/" + partition
}

func validPartitionKey(key string) error {
	if key == "" || strings.Contains(key, "/") {
		return fmt.Errorf("incremental: invalid partition key %q", key)
	}
	return nil
}

// loadCumulative returns the cumulative map and its ledger, creating
// both empty when the series has no history yet.
func (r *Runner) loadCumulative(ctx context.Context) (store.StateMap, *LedgerState, error) {
	cum, err := r.store.Load(ctx, r.cumulativeKey())
	if errors.Is(err, store.ErrNotFound) {
		return store.StateMap{}, NewLedger(), nil
	}
	if err != nil {
		return nil, nil, err
	}
	ledger, ok := cum[ledgerMetricKey].(*LedgerState)
	if !ok {
		return nil, nil, fmt.Errorf("incremental: series %s has no readable ledger", r.series)
	}
	delete(cum, ledgerMetricKey)
	return cum, ledger, nil
}

func (r *Runner) saveCumulative(ctx context.Context, cum store.StateMap, ledger *LedgerState) error {
	out := make(store.StateMap, len(cum)+1)
	for k, v := range cum {
		out[k] = v
	}
	out[ledgerMetricKey] = ledger
	return r.store.Save(ctx, r.cumulativeKey(), out)
}

// computeDelta runs every analyzer against the partition dataset.
// Analyzer failures and missing columns do not abort the partition;
// they come back as gaps.
func (r *Runner) computeDelta(ctx context.Context, partition string, ds dataset.Dataset) (store.StateMap, []Gap, error) {
	columns, err := ds.Columns(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("incremental: partition %s: %w", partition, err)
	}
	present := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		present[c] = struct{}{}
	}

	delta := make(store.StateMap, len(r.analyzers))
	var gaps []Gap
	for i, a := range r.analyzers {
		key := r.keys[i]
		if q := a.Qualifier(); q != analyzer.TableQualifier {
			if _, ok := present[q]; !ok {
				gaps = append(gaps, Gap{
					Partition: partition,
					MetricKey: key,
					Reason:    fmt.Sprintf("column %s not present", q),
				})
				r.logger.Warn("analyzer skipped, column missing",
					zap.String("series", r.series),
					zap.String("partition", partition),
					zap.String("metric", key))
				continue
			}
		}
		state, err := a.ComputeState(ctx, ds)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, fmt.Errorf("incremental: partition %s: %w", partition, ctx.Err())
			}
			gaps = append(gaps, Gap{Partition: partition, MetricKey: key, Reason: err.Error()})
			r.logger.Warn("analyzer failed on partition",
				zap.String("series", r.series),
				zap.String("partition", partition),
				zap.String("metric", key),
				zap.Error(err))
			continue
		}
		delta[key] = state
	}
	return delta, gaps, nil
}

// ProcessPartition computes the partition's states and folds them into
// the series. Reprocessing follows the configured policy.
func (r *Runner) ProcessPartition(ctx context.Context, partition string, ds dataset.Dataset) error {
	if err := validPartitionKey(partition); err != nil {
		return err
	}

	// Fail fast before the expensive compute when the policy would
	// reject anyway. The authoritative check happens again under lock.
	if _, ledger, err := r.loadCumulative(ctx); err != nil {
		return err
	} else if ledger.Has(partition) && r.policy == ReprocessReject {
		return fmt.Errorf("incremental: partition %s: %w", partition, ErrPartitionProcessed)
	}

	delta, gaps, err := r.computeDelta(ctx, partition, ds)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cum, ledger, err := r.loadCumulative(ctx)
	if err != nil {
		return err
	}
	if ledger.Has(partition) {
		if r.policy == ReprocessReject {
			return fmt.Errorf("incremental: partition %s: %w", partition, ErrPartitionProcessed)
		}
		return r.replacePartition(ctx, partition, delta, gaps, ledger)
	}

	// Audit delta first; the processed marker advances with the
	// cumulative save below, so a failure in between leaves the
	// partition re-runnable.
	if err := r.store.Save(ctx, r.deltaKey(partition), delta); err != nil {
		return err
	}

	merged := r.mergeDelta(cum, delta, ledger, partition, gaps)
	if err := r.saveCumulative(ctx, merged, ledger); err != nil {
		return err
	}
	r.logger.Info("partition processed",
		zap.String("series", r.series),
		zap.String("partition", partition),
		zap.Int("metrics", len(delta)),
		zap.Int("gaps", len(gaps)))
	return nil
}

// mergeDelta merges one partition's states into the cumulative map and
// advances the ledger. Merge conflicts keep the cumulative side and
// record a gap; a brand-new metric key on an established series gets
// partial-history gaps for every earlier partition.
func (r *Runner) mergeDelta(cum, delta store.StateMap, ledger *LedgerState, partition string, gaps []Gap) store.StateMap {
	prior := ledger.Processed()
	for key, fresh := range delta {
		existing, ok := cum[key]
		if !ok {
			for _, p := range prior {
				ledger.addGap(Gap{
					Partition: p,
					MetricKey: key,
					Reason:    "analyzer added after partition was processed",
				})
			}
			cum[key] = fresh
			continue
		}
		merged, err := existing.Merge(fresh)
		if err != nil {
			ledger.addGap(Gap{Partition: partition, MetricKey: key, Reason: err.Error()})
			r.logger.Warn("state merge failed, keeping history",
				zap.String("series", r.series),
				zap.String("partition", partition),
				zap.String("metric", key),
				zap.Error(err))
			continue
		}
		cum[key] = merged
	}
	ledger.markProcessed(partition)
	for _, g := range gaps {
		ledger.addGap(g)
	}
	return cum
}

// replacePartition persists the fresh delta and rebuilds the
// cumulative map from every retained delta. Partitions whose deltas
// were removed by retention keep their processed mark but cannot
// contribute; they are recorded as wildcard gaps.
func (r *Runner) replacePartition(ctx context.Context, partition string, delta store.StateMap, gaps []Gap, old *LedgerState) error {
	if err := r.store.Save(ctx, r.deltaKey(partition), delta); err != nil {
		return err
	}

	cum := store.StateMap{}
	ledger := NewLedger()
	for _, g := range old.Gaps() {
		if g.Partition != partition {
			ledger.addGap(g)
		}
	}
	for _, g := range gaps {
		ledger.addGap(g)
	}

	for _, p := range old.Processed() {
		ledger.markProcessed(p)
		var dm store.StateMap
		if p == partition {
			dm = delta
		} else {
			var err error
			dm, err = r.store.Load(ctx, r.deltaKey(p))
			if errors.Is(err, store.ErrNotFound) {
				ledger.addGap(Gap{
					Partition: p,
					MetricKey: "*",
					Reason:    "delta unavailable for rebuild",
				})
				r.logger.Warn("delta missing during rebuild",
					zap.String("series", r.series),
					zap.String("partition", p))
				continue
			}
			if err != nil {
				return err
			}
		}
		for key, state := range dm {
			existing, ok := cum[key]
			if !ok {
				cum[key] = state
				continue
			}
			merged, err := existing.Merge(state)
			if err != nil {
				ledger.addGap(Gap{Partition: p, MetricKey: key, Reason: err.Error()})
				continue
			}
			cum[key] = merged
		}
	}

	if err := r.saveCumulative(ctx, cum, ledger); err != nil {
		return err
	}
	r.logger.Info("partition replaced",
		zap.String("series", r.series),
		zap.String("partition", partition),
		zap.Int("rebuilt_from", len(old.Processed())))
	return nil
}

// ProcessPartitions processes a batch, computing up to the configured
// concurrency in parallel. Merges stay serialized, so the cumulative
// result does not depend on completion order.
func (r *Runner) ProcessPartitions(ctx context.Context, partitions []Partition) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, p := range partitions {
		p := p
		g.Go(func() error {
			return r.ProcessPartition(ctx, p.Key, p.Dataset)
		})
	}
	return g.Wait()
}

// Metrics finalizes the cumulative states. An unstarted series yields
// an empty map.
func (r *Runner) Metrics(ctx context.Context) (map[string]metric.Value, error) {
	cum, _, err := r.loadCumulative(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]metric.Value, len(cum))
	for key, state := range cum {
		if strings.HasPrefix(key, "_") {
			continue
		}
		out[key] = state.Metric()
	}
	return out, nil
}

// Processed lists the partition keys the series has absorbed.
func (r *Runner) Processed(ctx context.Context) ([]string, error) {
	_, ledger, err := r.loadCumulative(ctx)
	if err != nil {
		return nil, err
	}
	return ledger.Processed(), nil
}

// Gaps lists every recorded coverage gap.
func (r *Runner) Gaps(ctx context.Context) ([]Gap, error) {
	_, ledger, err := r.loadCumulative(ctx)
	if err != nil {
		return nil, err
	}
	return ledger.Gaps(), nil
}
