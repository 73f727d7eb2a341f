package sketch

import "math/rand"

// Reservoir keeps a bounded uniform sample of a stream: after n
// observations every observed value is present with probability
// capacity/n. Used where raw values are needed (pattern matching,
// histogram previews) rather than an aggregate.
type Reservoir struct {
	capacity int
	items    []string
	seen     uint64
	rng      *rand.Rand
}

// NewReservoir creates a sampler holding at most capacity items, with
// replacement randomness derived from seed.
func NewReservoir(capacity int, seed int64) *Reservoir {
	if capacity < 1 {
		capacity = 100
	}
	return &Reservoir{
		capacity: capacity,
		items:    make([]string, 0, capacity),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Add observes one value. Once full, the i-th observation replaces a
// uniformly random slot with probability capacity/i.
func (r *Reservoir) Add(value string) {
	r.seen++
	if len(r.items) < r.capacity {
		r.items = append(r.items, value)
		return
	}
	j := r.rng.Int63n(int64(r.seen))
	if j < int64(r.capacity) {
		r.items[j] = value
	}
}

// Items returns a copy of the current sample.
func (r *Reservoir) Items() []string {
	out := make([]string, len(r.items))
	copy(out, r.items)
	return out
}

// Seen returns how many values were observed.
func (r *Reservoir) Seen() uint64 { return r.seen }

// Capacity returns the maximum sample size.
func (r *Reservoir) Capacity() int { return r.capacity }
