package incremental

import (
	"context"

	"go.uber.org/zap"
)

// RetentionPolicy picks which processed partitions lose their audit
// deltas. It receives the processed keys in ascending order and
// returns the keys to drop.
type RetentionPolicy func(processed []string) (drop []string)

// KeepLatest retains the deltas of the n newest partitions. Partition
// keys are expected to sort chronologically, which holds for the usual
// date-shaped keys.
func KeepLatest(n int) RetentionPolicy {
	return func(processed []string) []string {
		if n < 0 {
			n = 0
		}
		if len(processed) <= n {
			return nil
		}
		drop := make([]string, len(processed)-n)
		copy(drop, processed[:len(processed)-n])
		return drop
	}
}

// KeepMatching retains the deltas of every partition the predicate
// accepts.
func KeepMatching(keep func(partition string) bool) RetentionPolicy {
	return func(processed []string) []string {
		var drop []string
		for _, p := range processed {
			if !keep(p) {
				drop = append(drop, p)
			}
		}
		return drop
	}
}

// ApplyRetention deletes the audit deltas the policy rejects and
// returns their partition keys. The cumulative map and the ledger are
// untouched: processed markers and metrics survive retention, only the
// ability to rebuild from the dropped partitions is given up.
func (r *Runner) ApplyRetention(ctx context.Context, policy RetentionPolicy) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ledger, err := r.loadCumulative(ctx)
	if err != nil {
		return nil, err
	}

	drop := policy(ledger.Processed())
	deleted := make([]string, 0, len(drop))
	for _, partition := range drop {
		if err := r.store.Delete(ctx, r.deltaKey(partition)); err != nil {
			return deleted, err
		}
		deleted = append(deleted, partition)
	}
	if len(deleted) > 0 {
		r.logger.Info("retention applied",
			zap.String("series", r.series),
			zap.Int("deleted", len(deleted)))
	}
	return deleted, nil
}
