package metric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mergeOK(t *testing.T, a, b State) State {
	t.Helper()
	merged, err := a.Merge(b)
	require.NoError(t, err)
	return merged
}

func TestMergeCommutative(t *testing.T) {
	cases := []struct {
		name string
		a, b State
	}{
		{"size", &SizeState{Count: 2}, &SizeState{Count: 5}},
		{"completeness", &CompletenessState{NonNull: 3, Count: 4}, &CompletenessState{NonNull: 1, Count: 2}},
		{"mean", &MeanState{Sum: 30, Count: 2}, &MeanState{Sum: 30, Count: 1}},
		{"stddev", &StdDevState{Count: 2, Sum: 3, SumSquares: 5}, &StdDevState{Count: 1, Sum: 4, SumSquares: 16}},
		{"min", &MinState{Count: 2, Value: -1}, &MinState{Count: 1, Value: 7}},
		{"max", &MaxState{Count: 2, Value: -1}, &MaxState{Count: 1, Value: 7}},
		{
			"histogram",
			&HistogramState{Counts: map[string]int64{"a": 2, "b": 1}, TopN: 20},
			&HistogramState{Counts: map[string]int64{"b": 3, "c": 1}, TopN: 20},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ab := mergeOK(t, tc.a, tc.b)
			ba := mergeOK(t, tc.b, tc.a)
			assert.True(t, ab.Metric().Equal(ba.Metric()))
			assert.Equal(t, ab.Serialize(), ba.Serialize())
		})
	}
}

func TestMergeAssociative(t *testing.T) {
	a := &MeanState{Sum: 10, Count: 1}
	b := &MeanState{Sum: 20, Count: 1}
	c := &MeanState{Sum: 30, Count: 1}

	left := mergeOK(t, mergeOK(t, a, b), c)
	right := mergeOK(t, a, mergeOK(t, b, c))

	lm, _ := left.Metric().Double()
	rm, _ := right.Metric().Double()
	assert.InDelta(t, lm, rm, 1e-12)
	assert.Equal(t, int64(3), left.(*MeanState).Count)
}

func TestMergeIdentity(t *testing.T) {
	cases := []struct {
		name  string
		state State
		zero  State
	}{
		{"size", &SizeState{Count: 9}, &SizeState{}},
		{"completeness", &CompletenessState{NonNull: 4, Count: 5}, &CompletenessState{}},
		{"mean", &MeanState{Sum: 12.5, Count: 3}, &MeanState{}},
		{"stddev", &StdDevState{Count: 3, Sum: 6, SumSquares: 14}, &StdDevState{}},
		{"min", &MinState{Count: 3, Value: -2.5}, &MinState{}},
		{"max", &MaxState{Count: 3, Value: 11}, &MaxState{}},
		{"histogram", &HistogramState{Counts: map[string]int64{"x": 4}, TopN: 20}, NewHistogramState(20)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			merged := mergeOK(t, tc.state, tc.zero)
			assert.True(t, merged.Metric().Equal(tc.state.Metric()))
		})
	}
}

func TestMergeShapeMismatchPanics(t *testing.T) {
	assert.Panics(t, func() {
		_, _ = (&MeanState{}).Merge(&StdDevState{})
	})
	assert.Panics(t, func() {
		_, _ = (&SizeState{}).Merge(&MinState{})
	})
}

func TestMeanStateMetric(t *testing.T) {
	merged := mergeOK(t, &MeanState{Sum: 30, Count: 2}, &MeanState{Sum: 30, Count: 1})
	got, ok := merged.Metric().Double()
	require.True(t, ok)
	assert.InDelta(t, 20.0, got, 1e-12)

	empty, ok := (&MeanState{}).Metric().Double()
	require.True(t, ok)
	assert.Equal(t, 0.0, empty)
}

func TestStdDevStateMetric(t *testing.T) {
	// Values 2, 4, 4, 4, 5, 5, 7, 9: population stddev is exactly 2.
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	s := &StdDevState{}
	for _, v := range values {
		s.Count++
		s.Sum += v
		s.SumSquares += v * v
	}
	got, ok := s.Metric().Double()
	require.True(t, ok)
	assert.InDelta(t, 2.0, got, 1e-9)
}

func TestHistogramStateCapsAtTopN(t *testing.T) {
	s := NewHistogramState(3)
	for i := 0; i < 10; i++ {
		s.Observe(string(rune('a' + i)))
	}
	s.Observe("a")
	s.Observe("a")
	s.Observe("b")

	buckets := s.TopBuckets()
	require.Len(t, buckets, 3)
	assert.False(t, s.Complete())
	assert.Equal(t, "a", buckets[0].Name)
	assert.Equal(t, 3.0, buckets[0].Value)
	assert.Equal(t, "b", buckets[1].Name)
}

func TestStateSerializeRoundTrip(t *testing.T) {
	states := []State{
		&SizeState{Count: 77},
		&CompletenessState{NonNull: 9, Count: 12},
		&MeanState{Sum: -4.25, Count: 6},
		&StdDevState{Count: 4, Sum: 10, SumSquares: 30},
		&MinState{Count: 2, Value: -1e9},
		&MaxState{Count: 2, Value: 1e9},
		&HistogramState{Counts: map[string]int64{"US": 5, "DE": 2, "": 1}, TopN: 10},
	}
	for _, s := range states {
		t.Run(s.Kind(), func(t *testing.T) {
			back, err := Decode(s.Kind(), s.Serialize())
			require.NoError(t, err)
			assert.True(t, back.Metric().Equal(s.Metric()))
			assert.Equal(t, s.Serialize(), back.Serialize())
		})
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode("tdigest", []byte{1})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestRawStateRoundTrip(t *testing.T) {
	raw := NewRaw("tdigest", []byte{1, 2, 3})
	assert.Equal(t, "tdigest", raw.Kind())
	assert.Equal(t, []byte{1, 2, 3}, raw.Serialize())

	_, err := raw.Merge(&SizeState{})
	assert.ErrorIs(t, err, ErrUnknownKind)

	handle, ok := raw.Metric().Sketch()
	require.True(t, ok)
	assert.Equal(t, "tdigest", handle.Algorithm)
}
