package sketch

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
)

// HyperLogLog estimates the number of distinct values in a stream with
// relative error around 1.04/sqrt(2^p) using 2^p one-byte registers.
type HyperLogLog struct {
	registers []uint8
	p         uint8   // precision: m = 2^p registers
	m         uint32  // number of registers
	alpha     float64 // bias correction constant
	seed      uint64  // hash seed; merges require equal seeds
}

// NewHyperLogLog creates an estimator with 2^p registers. Precision is
// clamped to [4, 18]; p=12 (4096 registers, ~1.6% error) is the
// default for out-of-range values.
func NewHyperLogLog(p uint8) *HyperLogLog {
	return NewHyperLogLogSeed(p, 0)
}

// NewHyperLogLogSeed creates an estimator with an explicit hash seed.
// Two estimators can only be merged when both precision and seed match.
func NewHyperLogLogSeed(p uint8, seed uint64) *HyperLogLog {
	if p < 4 || p > 18 {
		p = 12
	}
	m := uint32(1) << p

	var alpha float64
	switch {
	case m >= 128:
		alpha = 0.7213 / (1 + 1.079/float64(m))
	case m >= 64:
		alpha = 0.709
	case m >= 32:
		alpha = 0.697
	default:
		alpha = 0.673
	}

	return &HyperLogLog{
		registers: make([]uint8, m),
		p:         p,
		m:         m,
		alpha:     alpha,
		seed:      seed,
	}
}

// Precision returns the configured precision p.
func (h *HyperLogLog) Precision() uint8 { return h.p }

// Seed returns the configured hash seed.
func (h *HyperLogLog) Seed() uint64 { return h.seed }

// Add observes a value.
func (h *HyperLogLog) Add(value []byte) {
	h.addHash(hashBytesSeed(h.seed, value))
}

// AddString observes a string value.
func (h *HyperLogLog) AddString(value string) {
	h.addHash(hashString(h.seed, value))
}

func (h *HyperLogLog) addHash(hash uint64) {
	// First p bits select the register, the leftmost 1-bit of the rest
	// drives the register value.
	idx := hash >> (64 - h.p)
	w := hash << h.p
	rho := uint8(bits.LeadingZeros64(w)) + 1
	if max := 64 - h.p + 1; rho > max {
		rho = max
	}
	if rho > h.registers[idx] {
		h.registers[idx] = rho
	}
}

// Count estimates the number of distinct values observed.
func (h *HyperLogLog) Count() uint64 {
	m := float64(h.m)
	raw := h.alpha * m * m / h.harmonicSum()

	// Small-range correction: linear counting while empty registers remain.
	if raw <= 2.5*m {
		if zeros := h.emptyRegisters(); zeros != 0 {
			return uint64(m * math.Log(m/float64(zeros)))
		}
	}

	// Large-range correction for the 64-bit hash space.
	two64 := math.Ldexp(1, 64)
	if raw > two64/30 {
		return uint64(-two64 * math.Log(1-raw/two64))
	}

	return uint64(raw)
}

// StandardError returns the theoretical relative standard error for the
// configured register count.
func (h *HyperLogLog) StandardError() float64 {
	return 1.04 / math.Sqrt(float64(h.m))
}

// ConfidenceInterval returns approximate bounds on the estimate for a
// confidence level of 0.90, 0.95 or 0.99 (anything else falls back to
// 0.95).
func (h *HyperLogLog) ConfidenceInterval(confidence float64) (uint64, uint64) {
	estimate := float64(h.Count())
	stdErr := h.StandardError() * estimate

	var z float64
	switch {
	case math.Abs(confidence-0.90) < 1e-9:
		z = 1.645
	case math.Abs(confidence-0.99) < 1e-9:
		z = 2.576
	default:
		z = 1.96
	}

	margin := z * stdErr
	lower := math.Max(0, estimate-margin)
	return uint64(lower), uint64(estimate + margin)
}

// Merge folds other into h by element-wise register max. Both sketches
// must share precision and seed.
func (h *HyperLogLog) Merge(other *HyperLogLog) error {
	if h.p != other.p {
		return fmt.Errorf("%w: hyperloglog precision %d vs %d", ErrIncompatibleSketch, h.p, other.p)
	}
	if h.seed != other.seed {
		return fmt.Errorf("%w: hyperloglog seed mismatch", ErrIncompatibleSketch)
	}
	for i, reg := range other.registers {
		if reg > h.registers[i] {
			h.registers[i] = reg
		}
	}
	return nil
}

// Clone returns an independent copy.
func (h *HyperLogLog) Clone() *HyperLogLog {
	c := NewHyperLogLogSeed(h.p, h.seed)
	copy(c.registers, h.registers)
	return c
}

// Serialize encodes the sketch: precision, seed, then the registers,
// little-endian.
func (h *HyperLogLog) Serialize() []byte {
	data := make([]byte, 9+len(h.registers))
	data[0] = h.p
	binary.LittleEndian.PutUint64(data[1:9], h.seed)
	copy(data[9:], h.registers)
	return data
}

// DeserializeHyperLogLog decodes a sketch produced by Serialize.
func DeserializeHyperLogLog(data []byte) (*HyperLogLog, error) {
	if len(data) < 9 {
		return nil, fmt.Errorf("sketch: short hyperloglog payload")
	}
	p := data[0]
	if p < 4 || p > 18 {
		return nil, fmt.Errorf("sketch: hyperloglog precision %d out of range", p)
	}
	seed := binary.LittleEndian.Uint64(data[1:9])
	h := NewHyperLogLogSeed(p, seed)
	if len(data) != 9+int(h.m) {
		return nil, fmt.Errorf("sketch: hyperloglog payload is %d bytes, want %d", len(data), 9+int(h.m))
	}
	copy(h.registers, data[9:])
	return h, nil
}

func (h *HyperLogLog) harmonicSum() float64 {
	sum := 0.0
	for _, reg := range h.registers {
		sum += math.Ldexp(1, -int(reg))
	}
	return sum
}

func (h *HyperLogLog) emptyRegisters() uint32 {
	count := uint32(0)
	for _, reg := range h.registers {
		if reg == 0 {
			count++
		}
	}
	return count
}
