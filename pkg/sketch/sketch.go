// Package sketch provides the bounded-memory probabilistic structures
// behind approximate metrics: cardinality estimation (HyperLogLog),
// quantile summaries (KLL compactors), frequency estimation (Count-Min)
// and uniform reservoir sampling. Each sketch answers its query with a
// configured error bound whose memory cost is independent of the data
// volume, and merges with a sketch of the same configuration so that
// per-partition sketches combine into a whole-dataset one.
package sketch

import (
	"errors"

	"github.com/twmb/murmur3"
)

// ErrIncompatibleSketch is returned when merging sketches whose
// configuration parameters differ. Such merges are rejected rather than
// reconciled; the caller decides whether to recompute.
var ErrIncompatibleSketch = errors.New("sketch: incompatible sketch parameters")

func hashString(seed uint64, s string) uint64 {
	return murmur3.SeedStringSum64(seed, s)
}

func hashBytesSeed(seed uint64, b []byte) uint64 {
	return murmur3.SeedSum64(seed, b)
}
