package metric

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

// State is a mergeable intermediate summary of data used to compute one
// metric. Merge must be associative and commutative so that states
// computed per partition can be combined in any order; only
// floating-point rounding may differ. Merging two states of different
// kinds is a programming error and panics. Merging two states of the
// same kind but incompatible configuration (e.g. sketches of different
// sizes) returns an error instead.
//
// A state is created per partition, merged zero or more times, and
// finalized exactly once through Metric; Metric is pure and never
// performs I/O.
type State interface {
	// Kind tags the concrete state shape for persistence.
	Kind() string
	// Merge combines two states of the same kind into a new state,
	// leaving both inputs unchanged.
	Merge(other State) (State, error)
	// Metric finalizes the state into an immutable value.
	Metric() Value
	// Serialize encodes the state for persistence. The encoding is
	// deterministic for a given state.
	Serialize() []byte
}

// State kinds built into this package.
const (
	KindSize         = "size"
	KindCompleteness = "completeness"
	KindMean         = "mean"
	KindStdDev       = "stddev"
	KindMin          = "min"
	KindMax          = "max"
	KindHistogram    = "histogram"
)

// ErrUnknownKind is returned by Decode for a kind no decoder is
// registered for. Persistence layers keep such states as Raw so that
// data written by newer builds survives a load/save round trip.
var ErrUnknownKind = errors.New("metric: unknown state kind")

// DecodeFunc decodes one serialized state payload.
type DecodeFunc func(data []byte) (State, error)

var decoders = map[string]DecodeFunc{}

func init() {
	decoders[KindSize] = decodeSizeState
	decoders[KindCompleteness] = decodeCompletenessState
	decoders[KindMean] = decodeMeanState
	decoders[KindStdDev] = decodeStdDevState
	decoders[KindMin] = decodeMinState
	decoders[KindMax] = decodeMaxState
	decoders[KindHistogram] = decodeHistogramState
}

// Register installs a decoder for a state kind. Packages providing
// their own state types call this from init; it is not safe for
// concurrent use afterwards.
func Register(kind string, fn DecodeFunc) {
	decoders[kind] = fn
}

// Decode reconstructs a state from its kind tag and payload.
func Decode(kind string, data []byte) (State, error) {
	fn, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	return fn(data)
}

// mustSame asserts that other has the concrete type T; it panics
// otherwise, since merging mismatched state shapes is a programming
// error, never a data condition.
func mustSame[T State](s State, other State) T {
	t, ok := other.(T)
	if !ok {
		panic(fmt.Sprintf("metric: merge of %q state with incompatible %q state", s.Kind(), other.Kind()))
	}
	return t
}

// SizeState counts rows.
type SizeState struct {
	Count int64
}

func (s *SizeState) Kind() string { return KindSize }

func (s *SizeState) Merge(other State) (State, error) {
	o := mustSame[*SizeState](s, other)
	return &SizeState{Count: s.Count + o.Count}, nil
}

func (s *SizeState) Metric() Value { return Long(s.Count) }

func (s *SizeState) Serialize() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(s.Count))
	return b
}

func decodeSizeState(data []byte) (State, error) {
	if len(data) != 8 {
		return nil, fmt.Errorf("metric: size state payload is %d bytes, want 8", len(data))
	}
	return &SizeState{Count: int64(binary.LittleEndian.Uint64(data))}, nil
}

// CompletenessState tracks how many of the observed rows carried a
// non-null value.
type CompletenessState struct {
	NonNull int64
	Count   int64
}

func (s *CompletenessState) Kind() string { return KindCompleteness }

func (s *CompletenessState) Merge(other State) (State, error) {
	o := mustSame[*CompletenessState](s, other)
	return &CompletenessState{NonNull: s.NonNull + o.NonNull, Count: s.Count + o.Count}, nil
}

// Metric reports the non-null fraction. Zero observed rows finalize to
// 1.0: an empty column has no incomplete rows.
func (s *CompletenessState) Metric() Value {
	if s.Count == 0 {
		return Double(1)
	}
	return Double(float64(s.NonNull) / float64(s.Count))
}

func (s *CompletenessState) Serialize() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], uint64(s.NonNull))
	binary.LittleEndian.PutUint64(b[8:16], uint64(s.Count))
	return b
}

func decodeCompletenessState(data []byte) (State, error) {
	if len(data) != 16 {
		return nil, fmt.Errorf("metric: completeness state payload is %d bytes, want 16", len(data))
	}
	return &CompletenessState{
		NonNull: int64(binary.LittleEndian.Uint64(data[0:8])),
		Count:   int64(binary.LittleEndian.Uint64(data[8:16])),
	}, nil
}

// MeanState accumulates a running sum and count.
type MeanState struct {
	Sum   float64
	Count int64
}

func (s *MeanState) Kind() string { return KindMean }

func (s *MeanState) Merge(other State) (State, error) {
	o := mustSame[*MeanState](s, other)
	return &MeanState{Sum: s.Sum + o.Sum, Count: s.Count + o.Count}, nil
}

// Metric reports Sum/Count; a mean over zero values finalizes to 0.
func (s *MeanState) Metric() Value {
	if s.Count == 0 {
		return Double(0)
	}
	return Double(s.Sum / float64(s.Count))
}

func (s *MeanState) Serialize() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], math.Float64bits(s.Sum))
	binary.LittleEndian.PutUint64(b[8:16], uint64(s.Count))
	return b
}

func decodeMeanState(data []byte) (State, error) {
	if len(data) != 16 {
		return nil, fmt.Errorf("metric: mean state payload is %d bytes, want 16", len(data))
	}
	return &MeanState{
		Sum:   math.Float64frombits(binary.LittleEndian.Uint64(data[0:8])),
		Count: int64(binary.LittleEndian.Uint64(data[8:16])),
	}, nil
}

// StdDevState accumulates count, sum and sum of squares, the
// merge-friendly form of a standard deviation.
type StdDevState struct {
	Count      int64
	Sum        float64
	SumSquares float64
}

func (s *StdDevState) Kind() string { return KindStdDev }

func (s *StdDevState) Merge(other State) (State, error) {
	o := mustSame[*StdDevState](s, other)
	return &StdDevState{
		Count:      s.Count + o.Count,
		Sum:        s.Sum + o.Sum,
		SumSquares: s.SumSquares + o.SumSquares,
	}, nil
}

// Metric reports the population standard deviation.
func (s *StdDevState) Metric() Value {
	if s.Count == 0 {
		return Double(0)
	}
	n := float64(s.Count)
	mean := s.Sum / n
	variance := s.SumSquares/n - mean*mean
	if variance < 0 {
		// Rounding can push a near-zero variance slightly negative.
		variance = 0
	}
	return Double(math.Sqrt(variance))
}

func (s *StdDevState) Serialize() []byte {
	b := make([]byte, 24)
	binary.LittleEndian.PutUint64(b[0:8], uint64(s.Count))
	binary.LittleEndian.PutUint64(b[8:16], math.Float64bits(s.Sum))
	binary.LittleEndian.PutUint64(b[16:24], math.Float64bits(s.SumSquares))
	return b
}

func decodeStdDevState(data []byte) (State, error) {
	if len(data) != 24 {
		return nil, fmt.Errorf("metric: stddev state payload is %d bytes, want 24", len(data))
	}
	return &StdDevState{
		Count:      int64(binary.LittleEndian.Uint64(data[0:8])),
		Sum:        math.Float64frombits(binary.LittleEndian.Uint64(data[8:16])),
		SumSquares: math.Float64frombits(binary.LittleEndian.Uint64(data[16:24])),
	}, nil
}

// MinState tracks the smallest observed value.
type MinState struct {
	Count int64
	Value float64
}

func (s *MinState) Kind() string { return KindMin }

func (s *MinState) Merge(other State) (State, error) {
	o := mustSame[*MinState](s, other)
	merged := &MinState{Count: s.Count + o.Count}
	switch {
	case s.Count == 0:
		merged.Value = o.Value
	case o.Count == 0:
		merged.Value = s.Value
	default:
		merged.Value = math.Min(s.Value, o.Value)
	}
	return merged, nil
}

func (s *MinState) Metric() Value { return Double(s.Value) }

func (s *MinState) Serialize() []byte { return encodeCountValue(s.Count, s.Value) }

func decodeMinState(data []byte) (State, error) {
	count, value, err := decodeCountValue(KindMin, data)
	if err != nil {
		return nil, err
	}
	return &MinState{Count: count, Value: value}, nil
}

// MaxState tracks the largest observed value.
type MaxState struct {
	Count int64
	Value float64
}

func (s *MaxState) Kind() string { return KindMax }

func (s *MaxState) Merge(other State) (State, error) {
	o := mustSame[*MaxState](s, other)
	merged := &MaxState{Count: s.Count + o.Count}
	switch {
	case s.Count == 0:
		merged.Value = o.Value
	case o.Count == 0:
		merged.Value = s.Value
	default:
		merged.Value = math.Max(s.Value, o.Value)
	}
	return merged, nil
}

func (s *MaxState) Metric() Value { return Double(s.Value) }

func (s *MaxState) Serialize() []byte { return encodeCountValue(s.Count, s.Value) }

func decodeMaxState(data []byte) (State, error) {
	count, value, err := decodeCountValue(KindMax, data)
	if err != nil {
		return nil, err
	}
	return &MaxState{Count: count, Value: value}, nil
}

func encodeCountValue(count int64, value float64) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], uint64(count))
	binary.LittleEndian.PutUint64(b[8:16], math.Float64bits(value))
	return b
}

func decodeCountValue(kind string, data []byte) (int64, float64, error) {
	if len(data) != 16 {
		return 0, 0, fmt.Errorf("metric: %s state payload is %d bytes, want 16", kind, len(data))
	}
	count := int64(binary.LittleEndian.Uint64(data[0:8]))
	value := math.Float64frombits(binary.LittleEndian.Uint64(data[8:16]))
	return count, value, nil
}

// HistogramState counts occurrences per value. Callers gate it to
// low-cardinality columns; the state itself tracks every key it is fed
// and only caps the finalized metric at TopN buckets.
type HistogramState struct {
	Counts map[string]int64
	TopN   int
}

// NewHistogramState returns an empty histogram capped at topN buckets
// on finalize.
func NewHistogramState(topN int) *HistogramState {
	if topN <= 0 {
		topN = 20
	}
	return &HistogramState{Counts: make(map[string]int64), TopN: topN}
}

func (s *HistogramState) Kind() string { return KindHistogram }

// Observe counts one occurrence of value.
func (s *HistogramState) Observe(value string) {
	if s.Counts == nil {
		s.Counts = make(map[string]int64)
	}
	s.Counts[value]++
}

// Merge adds counts per key. The finalize cap of the merged state is
// the larger of the two caps, keeping the merge commutative.
func (s *HistogramState) Merge(other State) (State, error) {
	o := mustSame[*HistogramState](s, other)
	merged := &HistogramState{Counts: make(map[string]int64, len(s.Counts)), TopN: s.TopN}
	if o.TopN > merged.TopN {
		merged.TopN = o.TopN
	}
	for k, v := range s.Counts {
		merged.Counts[k] = v
	}
	for k, v := range o.Counts {
		merged.Counts[k] += v
	}
	return merged, nil
}

// Complete reports whether the finalized metric covers every observed
// value, i.e. no bucket was dropped by the TopN cap.
func (s *HistogramState) Complete() bool {
	return len(s.Counts) <= s.TopN
}

// Metric reports the TopN most frequent values, ordered by descending
// count with ties broken by value.
func (s *HistogramState) Metric() Value {
	entries := s.TopBuckets()
	return Distribution(entries...)
}

// TopBuckets returns the capped, ordered buckets.
func (s *HistogramState) TopBuckets() []Entry {
	entries := make([]Entry, 0, len(s.Counts))
	for k, v := range s.Counts {
		entries = append(entries, Entry{Name: k, Value: float64(v)})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Value != entries[j].Value {
			return entries[i].Value > entries[j].Value
		}
		return entries[i].Name < entries[j].Name
	})
	if len(entries) > s.TopN {
		entries = entries[:s.TopN]
	}
	return entries
}

func (s *HistogramState) Serialize() []byte {
	keys := make([]string, 0, len(s.Counts))
	for k := range s.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	size := 8
	for _, k := range keys {
		size += 4 + len(k) + 8
	}
	b := make([]byte, size)
	binary.LittleEndian.PutUint32(b[0:4], uint32(s.TopN))
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(keys)))
	off := 8
	for _, k := range keys {
		binary.LittleEndian.PutUint32(b[off:off+4], uint32(len(k)))
		off += 4
		copy(b[off:], k)
		off += len(k)
		binary.LittleEndian.PutUint64(b[off:off+8], uint64(s.Counts[k]))
		off += 8
	}
	return b
}

func decodeHistogramState(data []byte) (State, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("metric: short histogram state payload")
	}
	topN := int(binary.LittleEndian.Uint32(data[0:4]))
	n := int(binary.LittleEndian.Uint32(data[4:8]))
	s := &HistogramState{Counts: make(map[string]int64, n), TopN: topN}
	off := 8
	for i := 0; i < n; i++ {
		if off+4 > len(data) {
			return nil, fmt.Errorf("metric: truncated histogram state payload")
		}
		klen := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		if off+klen+8 > len(data) {
			return nil, fmt.Errorf("metric: truncated histogram state payload")
		}
		key := string(data[off : off+klen])
		off += klen
		s.Counts[key] = int64(binary.LittleEndian.Uint64(data[off : off+8]))
		off += 8
	}
	return s, nil
}
