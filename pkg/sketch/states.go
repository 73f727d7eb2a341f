package sketch

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"

	"github.com/veridata/dqe/pkg/metric"
)

// State kinds registered by this package.
const (
	KindCardinality = "cardinality"
	KindQuantile    = "quantile"
	KindFrequent    = "frequent"
)

func init() {
	metric.Register(KindCardinality, decodeCardinalityState)
	metric.Register(KindQuantile, decodeQuantileState)
	metric.Register(KindFrequent, decodeFrequentState)
}

var (
	_ metric.State = (*CardinalityState)(nil)
	_ metric.State = (*QuantileState)(nil)
	_ metric.State = (*FrequentState)(nil)
)

func sameKind[T metric.State](s, other metric.State) T {
	t, ok := other.(T)
	if !ok {
		panic(fmt.Sprintf("sketch: merge of %q state with incompatible %q state", s.Kind(), other.Kind()))
	}
	return t
}

// CardinalityState is the mergeable analyzer state of an approximate
// distinct count.
type CardinalityState struct {
	sketch *HyperLogLog
}

// NewCardinalityState creates an empty cardinality state.
func NewCardinalityState(p uint8, seed uint64) *CardinalityState {
	return &CardinalityState{sketch: NewHyperLogLogSeed(p, seed)}
}

// Observe feeds one value.
func (s *CardinalityState) Observe(value string) { s.sketch.AddString(value) }

// Estimate returns the current distinct-count estimate.
func (s *CardinalityState) Estimate() uint64 { return s.sketch.Count() }

// StandardError returns the sketch's relative standard error.
func (s *CardinalityState) StandardError() float64 { return s.sketch.StandardError() }

func (s *CardinalityState) Kind() string { return KindCardinality }

func (s *CardinalityState) Merge(other metric.State) (metric.State, error) {
	o := sameKind[*CardinalityState](s, other)
	merged := &CardinalityState{sketch: s.sketch.Clone()}
	if err := merged.sketch.Merge(o.sketch); err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *CardinalityState) Metric() metric.Value {
	return metric.Long(int64(s.sketch.Count()))
}

func (s *CardinalityState) Serialize() []byte { return s.sketch.Serialize() }

func decodeCardinalityState(data []byte) (metric.State, error) {
	h, err := DeserializeHyperLogLog(data)
	if err != nil {
		return nil, err
	}
	return &CardinalityState{sketch: h}, nil
}

// QuantileState is the mergeable analyzer state of an approximate
// quantile summary. It finalizes into a distribution of the configured
// rank fractions.
type QuantileState struct {
	sketch    *KLL
	quantiles []float64
}

// DefaultQuantiles are the rank fractions reported when none are
// configured.
var DefaultQuantiles = []float64{0.25, 0.5, 0.75, 0.9, 0.95, 0.99}

// NewQuantileState creates an empty quantile state reporting the given
// rank fractions.
func NewQuantileState(k int, seed int64, quantiles []float64) *QuantileState {
	if len(quantiles) == 0 {
		quantiles = DefaultQuantiles
	}
	qs := append([]float64(nil), quantiles...)
	return &QuantileState{sketch: NewKLLSeed(k, seed), quantiles: qs}
}

// Observe feeds one value.
func (s *QuantileState) Observe(v float64) { s.sketch.Update(v) }

// Quantile estimates the value at one rank fraction.
func (s *QuantileState) Quantile(q float64) float64 { return s.sketch.Quantile(q) }

// Min returns the smallest observed value.
func (s *QuantileState) Min() float64 { return s.sketch.Min() }

// Max returns the largest observed value.
func (s *QuantileState) Max() float64 { return s.sketch.Max() }

// Count returns how many values were observed.
func (s *QuantileState) Count() uint64 { return s.sketch.Count() }

func (s *QuantileState) Kind() string { return KindQuantile }

// Merge combines two quantile states; the configured rank fractions
// and sketch size must match.
func (s *QuantileState) Merge(other metric.State) (metric.State, error) {
	o := sameKind[*QuantileState](s, other)
	if !slices.Equal(s.quantiles, o.quantiles) {
		return nil, fmt.Errorf("%w: quantile sets differ", ErrIncompatibleSketch)
	}
	merged := &QuantileState{sketch: s.sketch.Clone(), quantiles: s.quantiles}
	if err := merged.sketch.Merge(o.sketch); err != nil {
		return nil, err
	}
	return merged, nil
}

func quantileName(q float64) string {
	return "p" + strconv.FormatFloat(q*100, 'g', -1, 64)
}

func (s *QuantileState) Metric() metric.Value {
	values := s.sketch.Quantiles(s.quantiles)
	entries := make([]metric.Entry, len(values))
	for i, q := range s.quantiles {
		entries[i] = metric.Entry{Name: quantileName(q), Value: values[i]}
	}
	return metric.Distribution(entries...)
}

func (s *QuantileState) Serialize() []byte {
	payload := s.sketch.Serialize()
	data := make([]byte, 4+8*len(s.quantiles)+len(payload))
	binary.LittleEndian.PutUint32(data[0:4], uint32(len(s.quantiles)))
	off := 4
	for _, q := range s.quantiles {
		binary.LittleEndian.PutUint64(data[off:off+8], math.Float64bits(q))
		off += 8
	}
	copy(data[off:], payload)
	return data
}

func decodeQuantileState(data []byte) (metric.State, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("sketch: short quantile state payload")
	}
	n := int(binary.LittleEndian.Uint32(data[0:4]))
	if n == 0 || n > 1024 {
		return nil, fmt.Errorf("sketch: quantile count %d out of range", n)
	}
	if len(data) < 4+8*n {
		return nil, fmt.Errorf("sketch: truncated quantile state payload")
	}
	qs := make([]float64, n)
	off := 4
	for i := 0; i < n; i++ {
		qs[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[off : off+8]))
		off += 8
	}
	kll, err := DeserializeKLL(data[off:])
	if err != nil {
		return nil, err
	}
	return &QuantileState{sketch: kll, quantiles: qs}, nil
}

// FrequentState approximates the k most frequent values of a stream: a
// Count-Min sketch supplies the counts while a bounded candidate set
// tracks which values are worth reporting.
type FrequentState struct {
	sketch     *CountMin
	candidates map[string]uint64
	k          int
}

const frequentCandidateFactor = 8

// NewFrequentState creates an empty frequent-items state reporting the
// top k values.
func NewFrequentState(k int) *FrequentState {
	if k < 1 {
		k = 10
	}
	return &FrequentState{
		sketch:     NewCountMin(0.005, 0.01),
		candidates: make(map[string]uint64),
		k:          k,
	}
}

// Observe feeds one value.
func (s *FrequentState) Observe(value string) {
	s.sketch.AddString(value, 1)
	est := s.sketch.QueryString(value)
	if _, tracked := s.candidates[value]; tracked || len(s.candidates) < s.k*frequentCandidateFactor {
		s.candidates[value] = est
		return
	}
	minKey, minEst := "", ^uint64(0)
	for k, v := range s.candidates {
		if v < minEst {
			minKey, minEst = k, v
		}
	}
	if est > minEst {
		delete(s.candidates, minKey)
		s.candidates[value] = est
	}
}

func (s *FrequentState) Kind() string { return KindFrequent }

// Merge combines the underlying sketches and re-scores the union of
// both candidate sets against the merged counts.
func (s *FrequentState) Merge(other metric.State) (metric.State, error) {
	o := sameKind[*FrequentState](s, other)
	merged := &FrequentState{sketch: s.sketch.Clone(), candidates: make(map[string]uint64), k: s.k}
	if o.k > merged.k {
		merged.k = o.k
	}
	if err := merged.sketch.Merge(o.sketch); err != nil {
		return nil, err
	}
	for key := range s.candidates {
		merged.candidates[key] = merged.sketch.QueryString(key)
	}
	for key := range o.candidates {
		merged.candidates[key] = merged.sketch.QueryString(key)
	}
	merged.trim()
	return merged, nil
}

func (s *FrequentState) trim() {
	limit := s.k * frequentCandidateFactor
	for len(s.candidates) > limit {
		minKey, minEst := "", ^uint64(0)
		for k, v := range s.candidates {
			if v < minEst {
				minKey, minEst = k, v
			}
		}
		delete(s.candidates, minKey)
	}
}

// Metric reports the top k candidates ordered by descending estimated
// count with ties broken by value.
func (s *FrequentState) Metric() metric.Value {
	entries := make([]metric.Entry, 0, len(s.candidates))
	for k, v := range s.candidates {
		entries = append(entries, metric.Entry{Name: k, Value: float64(v)})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Value != entries[j].Value {
			return entries[i].Value > entries[j].Value
		}
		return entries[i].Name < entries[j].Name
	})
	if len(entries) > s.k {
		entries = entries[:s.k]
	}
	return metric.Distribution(entries...)
}

func (s *FrequentState) Serialize() []byte {
	keys := make([]string, 0, len(s.candidates))
	for k := range s.candidates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	payload := s.sketch.Serialize()
	size := 8
	for _, k := range keys {
		size += 4 + len(k) + 8
	}
	data := make([]byte, size+len(payload))
	binary.LittleEndian.PutUint32(data[0:4], uint32(s.k))
	binary.LittleEndian.PutUint32(data[4:8], uint32(len(keys)))
	off := 8
	for _, k := range keys {
		binary.LittleEndian.PutUint32(data[off:off+4], uint32(len(k)))
		off += 4
		copy(data[off:], k)
		off += len(k)
		binary.LittleEndian.PutUint64(data[off:off+8], s.candidates[k])
		off += 8
	}
	copy(data[off:], payload)
	return data
}

func decodeFrequentState(data []byte) (metric.State, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("sketch: short frequent state payload")
	}
	k := int(binary.LittleEndian.Uint32(data[0:4]))
	n := int(binary.LittleEndian.Uint32(data[4:8]))
	if k < 1 {
		return nil, fmt.Errorf("sketch: frequent state k %d out of range", k)
	}
	s := &FrequentState{candidates: make(map[string]uint64, n), k: k}
	off := 8
	for i := 0; i < n; i++ {
		if off+4 > len(data) {
			return nil, fmt.Errorf("sketch: truncated frequent state payload")
		}
		klen := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		if off+klen+8 > len(data) {
			return nil, fmt.Errorf("sketch: truncated frequent state payload")
		}
		key := string(data[off : off+klen])
		off += klen
		s.candidates[key] = binary.LittleEndian.Uint64(data[off : off+8])
		off += 8
	}
	cms, err := DeserializeCountMin(data[off:])
	if err != nil {
		return nil, err
	}
	s.sketch = cms
	return s, nil
}
