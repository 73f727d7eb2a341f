package sketch

import (
	"encoding/binary"
	"fmt"
	"math"
)

// CountMin estimates per-value frequencies. A point query may
// overestimate by at most epsilon times the total count with
// probability 1-delta, and never underestimates.
type CountMin struct {
	table   [][]uint64 // counters, table[d][w]
	d       uint32     // number of hash rows (depth)
	w       uint32     // counters per row (width)
	epsilon float64    // relative error bound
	delta   float64    // failure probability
	count   uint64     // total observed weight
}

// NewCountMin creates a sketch sized for the requested bounds:
// width = ceil(e/epsilon), depth = ceil(ln(1/delta)). Out-of-range
// parameters fall back to epsilon=0.005, delta=0.01.
func NewCountMin(epsilon, delta float64) *CountMin {
	if epsilon <= 0 || epsilon >= 1 {
		epsilon = 0.005
	}
	if delta <= 0 || delta >= 1 {
		delta = 0.01
	}

	w := uint32(math.Ceil(math.E / epsilon))
	d := uint32(math.Ceil(math.Log(1 / delta)))

	table := make([][]uint64, d)
	for i := range table {
		table[i] = make([]uint64, w)
	}

	return &CountMin{
		table:   table,
		d:       d,
		w:       w,
		epsilon: epsilon,
		delta:   delta,
	}
}

// Add increments the count for key by weight.
func (c *CountMin) Add(key []byte, weight uint64) {
	for i := uint32(0); i < c.d; i++ {
		j := hashBytesSeed(uint64(i)+1, key) % uint64(c.w)
		c.table[i][j] += weight
	}
	c.count += weight
}

// AddString increments the count for a string key.
func (c *CountMin) AddString(key string, weight uint64) {
	for i := uint32(0); i < c.d; i++ {
		j := hashString(uint64(i)+1, key) % uint64(c.w)
		c.table[i][j] += weight
	}
	c.count += weight
}

// Query estimates the count for key: the minimum across all rows.
func (c *CountMin) Query(key []byte) uint64 {
	minCount := ^uint64(0)
	for i := uint32(0); i < c.d; i++ {
		j := hashBytesSeed(uint64(i)+1, key) % uint64(c.w)
		if c.table[i][j] < minCount {
			minCount = c.table[i][j]
		}
	}
	return minCount
}

// QueryString estimates the count for a string key.
func (c *CountMin) QueryString(key string) uint64 {
	minCount := ^uint64(0)
	for i := uint32(0); i < c.d; i++ {
		j := hashString(uint64(i)+1, key) % uint64(c.w)
		if c.table[i][j] < minCount {
			minCount = c.table[i][j]
		}
	}
	return minCount
}

// TotalCount returns the total observed weight.
func (c *CountMin) TotalCount() uint64 { return c.count }

// ErrorBound returns the current absolute overestimation bound,
// epsilon times the total count.
func (c *CountMin) ErrorBound() uint64 {
	return uint64(c.epsilon * float64(c.count))
}

// Confidence returns the probability the error bound holds.
func (c *CountMin) Confidence() float64 { return 1.0 - c.delta }

// Merge folds other into c by cell-wise addition. Both sketches must
// share width and depth.
func (c *CountMin) Merge(other *CountMin) error {
	if c.d != other.d || c.w != other.w {
		return fmt.Errorf("%w: count-min %dx%d vs %dx%d", ErrIncompatibleSketch, c.d, c.w, other.d, other.w)
	}
	for i := uint32(0); i < c.d; i++ {
		for j := uint32(0); j < c.w; j++ {
			c.table[i][j] += other.table[i][j]
		}
	}
	c.count += other.count
	return nil
}

// Clone returns an independent copy.
func (c *CountMin) Clone() *CountMin {
	clone := &CountMin{
		table:   make([][]uint64, c.d),
		d:       c.d,
		w:       c.w,
		epsilon: c.epsilon,
		delta:   c.delta,
		count:   c.count,
	}
	for i := range c.table {
		clone.table[i] = append([]uint64(nil), c.table[i]...)
	}
	return clone
}

// Serialize encodes a 32-byte header (depth, width, epsilon, delta,
// count) followed by the counter table, little-endian.
func (c *CountMin) Serialize() []byte {
	headerSize := 32
	data := make([]byte, headerSize+int(c.d*c.w)*8)

	binary.LittleEndian.PutUint32(data[0:4], c.d)
	binary.LittleEndian.PutUint32(data[4:8], c.w)
	binary.LittleEndian.PutUint64(data[8:16], math.Float64bits(c.epsilon))
	binary.LittleEndian.PutUint64(data[16:24], math.Float64bits(c.delta))
	binary.LittleEndian.PutUint64(data[24:32], c.count)

	off := headerSize
	for i := uint32(0); i < c.d; i++ {
		for j := uint32(0); j < c.w; j++ {
			binary.LittleEndian.PutUint64(data[off:off+8], c.table[i][j])
			off += 8
		}
	}
	return data
}

// DeserializeCountMin decodes a sketch produced by Serialize.
func DeserializeCountMin(data []byte) (*CountMin, error) {
	if len(data) < 32 {
		return nil, fmt.Errorf("sketch: short count-min payload")
	}
	d := binary.LittleEndian.Uint32(data[0:4])
	w := binary.LittleEndian.Uint32(data[4:8])
	if d == 0 || w == 0 || d > 64 {
		return nil, fmt.Errorf("sketch: count-min dimensions %dx%d out of range", d, w)
	}
	expected := 32 + int(d*w)*8
	if len(data) != expected {
		return nil, fmt.Errorf("sketch: count-min payload is %d bytes, want %d", len(data), expected)
	}

	c := &CountMin{
		table:   make([][]uint64, d),
		d:       d,
		w:       w,
		epsilon: math.Float64frombits(binary.LittleEndian.Uint64(data[8:16])),
		delta:   math.Float64frombits(binary.LittleEndian.Uint64(data[16:24])),
		count:   binary.LittleEndian.Uint64(data[24:32]),
	}
	off := 32
	for i := uint32(0); i < d; i++ {
		c.table[i] = make([]uint64, w)
		for j := uint32(0); j < w; j++ {
			c.table[i][j] = binary.LittleEndian.Uint64(data[off : off+8])
			off += 8
		}
	}
	return c, nil
}
