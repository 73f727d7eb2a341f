package sketch

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

const (
	defaultKLLK = 200
	minKLLK     = 8

	// Capacity of level h decays geometrically from the top level down,
	// which is what bounds total memory to O(k) items.
	kllDecay = 2.0 / 3.0

	minLevelCapacity = 2
)

// KLL is a compactor-based quantile sketch. Items enter at level 0;
// when a level overflows its capacity it is sorted and a random half
// (alternating parity) is promoted to the next level with doubled
// weight while the other half is discarded. The parameter k trades
// sketch size against rank error: larger k, smaller error, with error
// roughly halving when k is quadrupled.
type KLL struct {
	k      int
	levels [][]float64
	count  uint64
	min    float64
	max    float64
	rng    *rand.Rand
}

// NewKLL creates a sketch with a fixed default compaction seed, so two
// sketches built from the same stream are identical. Use NewKLLSeed to
// vary the randomness.
func NewKLL(k int) *KLL {
	return NewKLLSeed(k, 1)
}

// NewKLLSeed creates a sketch whose compaction randomness derives from
// seed.
func NewKLLSeed(k int, seed int64) *KLL {
	if k < minKLLK {
		k = defaultKLLK
	}
	return &KLL{
		k:      k,
		levels: [][]float64{nil},
		min:    math.Inf(1),
		max:    math.Inf(-1),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// K returns the configured size parameter.
func (s *KLL) K() int { return s.k }

// Count returns how many values were observed.
func (s *KLL) Count() uint64 { return s.count }

// Min returns the smallest observed value.
func (s *KLL) Min() float64 { return s.min }

// Max returns the largest observed value.
func (s *KLL) Max() float64 { return s.max }

// Update observes one value.
func (s *KLL) Update(v float64) {
	s.levels[0] = append(s.levels[0], v)
	s.count++
	if v < s.min {
		s.min = v
	}
	if v > s.max {
		s.max = v
	}
	s.compress()
}

func (s *KLL) capacity(level int) int {
	depth := len(s.levels) - 1 - level
	c := int(math.Ceil(float64(s.k) * math.Pow(kllDecay, float64(depth))))
	if c < minLevelCapacity {
		c = minLevelCapacity
	}
	return c
}

func (s *KLL) compress() {
	for {
		compacted := false
		for h := 0; h < len(s.levels); h++ {
			if len(s.levels[h]) > s.capacity(h) {
				s.compact(h)
				compacted = true
			}
		}
		if !compacted {
			return
		}
	}
}

// compact sorts level h, promotes a random alternating half to level
// h+1 (doubling its weight) and drops the rest.
func (s *KLL) compact(h int) {
	level := s.levels[h]
	sort.Float64s(level)
	if h+1 == len(s.levels) {
		s.levels = append(s.levels, nil)
	}
	offset := s.rng.Intn(2)
	for i := offset; i < len(level); i += 2 {
		s.levels[h+1] = append(s.levels[h+1], level[i])
	}
	s.levels[h] = level[:0]
}

type weightedValue struct {
	value  float64
	weight uint64
}

func (s *KLL) weighted() ([]weightedValue, uint64) {
	var items []weightedValue
	var total uint64
	for h, level := range s.levels {
		w := uint64(1) << uint(h)
		for _, v := range level {
			items = append(items, weightedValue{value: v, weight: w})
			total += w
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].value < items[j].value })
	return items, total
}

// Quantile estimates the value at rank fraction q in [0, 1].
func (s *KLL) Quantile(q float64) float64 {
	if s.count == 0 {
		return 0
	}
	if q <= 0 {
		return s.min
	}
	if q >= 1 {
		return s.max
	}
	items, total := s.weighted()
	target := uint64(math.Ceil(q * float64(total)))
	if target == 0 {
		target = 1
	}
	var cum uint64
	for _, it := range items {
		cum += it.weight
		if cum >= target {
			return it.value
		}
	}
	return s.max
}

// Quantiles evaluates several rank fractions in one pass over the
// retained items.
func (s *KLL) Quantiles(qs []float64) []float64 {
	out := make([]float64, len(qs))
	if s.count == 0 {
		return out
	}
	items, total := s.weighted()
	for i, q := range qs {
		switch {
		case q <= 0:
			out[i] = s.min
		case q >= 1:
			out[i] = s.max
		default:
			target := uint64(math.Ceil(q * float64(total)))
			if target == 0 {
				target = 1
			}
			var cum uint64
			out[i] = s.max
			for _, it := range items {
				cum += it.weight
				if cum >= target {
					out[i] = it.value
					break
				}
			}
		}
	}
	return out
}

// Rank estimates the fraction of observed values strictly below v.
func (s *KLL) Rank(v float64) float64 {
	if s.count == 0 {
		return 0
	}
	items, total := s.weighted()
	var below uint64
	for _, it := range items {
		if it.value >= v {
			break
		}
		below += it.weight
	}
	return float64(below) / float64(total)
}

// Merge folds other into s. Both sketches must share the same k.
func (s *KLL) Merge(other *KLL) error {
	if s.k != other.k {
		return fmt.Errorf("%w: kll size %d vs %d", ErrIncompatibleSketch, s.k, other.k)
	}
	for len(s.levels) < len(other.levels) {
		s.levels = append(s.levels, nil)
	}
	for h, level := range other.levels {
		s.levels[h] = append(s.levels[h], level...)
	}
	s.count += other.count
	if other.min < s.min {
		s.min = other.min
	}
	if other.max > s.max {
		s.max = other.max
	}
	s.compress()
	return nil
}

// Clone returns an independent copy; the copy's compaction randomness
// is derived from the source's.
func (s *KLL) Clone() *KLL {
	c := NewKLLSeed(s.k, s.rng.Int63())
	c.levels = make([][]float64, len(s.levels))
	for h, level := range s.levels {
		c.levels[h] = append([]float64(nil), level...)
	}
	c.count = s.count
	c.min = s.min
	c.max = s.max
	return c
}

// Serialize encodes k, count, min/max and the level table,
// little-endian.
func (s *KLL) Serialize() []byte {
	size := 4 + 8 + 8 + 8 + 4
	for _, level := range s.levels {
		size += 4 + 8*len(level)
	}
	data := make([]byte, size)
	binary.LittleEndian.PutUint32(data[0:4], uint32(s.k))
	binary.LittleEndian.PutUint64(data[4:12], s.count)
	binary.LittleEndian.PutUint64(data[12:20], math.Float64bits(s.min))
	binary.LittleEndian.PutUint64(data[20:28], math.Float64bits(s.max))
	binary.LittleEndian.PutUint32(data[28:32], uint32(len(s.levels)))
	off := 32
	for _, level := range s.levels {
		binary.LittleEndian.PutUint32(data[off:off+4], uint32(len(level)))
		off += 4
		for _, v := range level {
			binary.LittleEndian.PutUint64(data[off:off+8], math.Float64bits(v))
			off += 8
		}
	}
	return data
}

// DeserializeKLL decodes a sketch produced by Serialize. The restored
// sketch uses the default compaction seed.
func DeserializeKLL(data []byte) (*KLL, error) {
	if len(data) < 32 {
		return nil, fmt.Errorf("sketch: short kll payload")
	}
	k := int(binary.LittleEndian.Uint32(data[0:4]))
	if k < minKLLK {
		return nil, fmt.Errorf("sketch: kll size %d out of range", k)
	}
	s := NewKLL(k)
	s.count = binary.LittleEndian.Uint64(data[4:12])
	s.min = math.Float64frombits(binary.LittleEndian.Uint64(data[12:20]))
	s.max = math.Float64frombits(binary.LittleEndian.Uint64(data[20:28]))
	numLevels := int(binary.LittleEndian.Uint32(data[28:32]))
	if numLevels == 0 || numLevels > 64 {
		return nil, fmt.Errorf("sketch: kll level count %d out of range", numLevels)
	}
	s.levels = make([][]float64, numLevels)
	off := 32
	for h := 0; h < numLevels; h++ {
		if off+4 > len(data) {
			return nil, fmt.Errorf("sketch: truncated kll payload")
		}
		n := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		if off+8*n > len(data) {
			return nil, fmt.Errorf("sketch: truncated kll payload")
		}
		level := make([]float64, n)
		for i := 0; i < n; i++ {
			level[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[off : off+8]))
			off += 8
		}
		s.levels[h] = level
	}
	if off != len(data) {
		return nil, fmt.Errorf("sketch: kll payload is %d bytes, want %d", len(data), off)
	}
	return s, nil
}
