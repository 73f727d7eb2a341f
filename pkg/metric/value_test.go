package metric

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueAccessors(t *testing.T) {
	l := Long(42)
	assert.Equal(t, KindLong, l.Kind())
	got, ok := l.Long()
	assert.True(t, ok)
	assert.Equal(t, int64(42), got)
	_, ok = l.Double()
	assert.False(t, ok)

	d := Double(3.5)
	f, ok := d.Double()
	assert.True(t, ok)
	assert.Equal(t, 3.5, f)

	dist := Distribution(Entry{Name: "p50", Value: 10}, Entry{Name: "p99", Value: 99})
	entries, ok := dist.Distribution()
	require.True(t, ok)
	assert.Len(t, entries, 2)
	p99, ok := dist.Entry("p99")
	assert.True(t, ok)
	assert.Equal(t, 99.0, p99)
	_, ok = dist.Entry("p75")
	assert.False(t, ok)

	sk := Sketch("hyperloglog", []byte{1, 2, 3})
	h, ok := sk.Sketch()
	require.True(t, ok)
	assert.Equal(t, "hyperloglog", h.Algorithm)
	assert.Equal(t, []byte{1, 2, 3}, h.Payload)
}

func TestValueFloat(t *testing.T) {
	f, ok := Long(7).Float()
	assert.True(t, ok)
	assert.Equal(t, 7.0, f)

	f, ok = Double(2.5).Float()
	assert.True(t, ok)
	assert.Equal(t, 2.5, f)

	_, ok = Distribution().Float()
	assert.False(t, ok)
}

func TestValueEqual(t *testing.T) {
	cases := []struct {
		name string
		a, b Value
		want bool
	}{
		{"equal longs", Long(1), Long(1), true},
		{"different longs", Long(1), Long(2), false},
		{"long vs double", Long(1), Double(1), false},
		{"equal doubles", Double(0.5), Double(0.5), true},
		{
			"equal distributions",
			Distribution(Entry{Name: "a", Value: 1}),
			Distribution(Entry{Name: "a", Value: 1}),
			true,
		},
		{
			"distribution order matters",
			Distribution(Entry{Name: "a", Value: 1}, Entry{Name: "b", Value: 2}),
			Distribution(Entry{Name: "b", Value: 2}, Entry{Name: "a", Value: 1}),
			false,
		},
		{
			"equal sketches",
			Sketch("kll", []byte{9}),
			Sketch("kll", []byte{9}),
			true,
		},
		{
			"sketch algorithm differs",
			Sketch("kll", []byte{9}),
			Sketch("hll", []byte{9}),
			false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.a.Equal(tc.b))
			assert.Equal(t, tc.want, tc.b.Equal(tc.a))
		})
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	values := []Value{
		Long(123),
		Double(-1.75),
		Distribution(Entry{Name: "p50", Value: 5}, Entry{Name: "p95", Value: 95}),
		Distribution(),
		Sketch("cardinality", []byte{0xde, 0xad, 0xbe, 0xef}),
	}
	for _, v := range values {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		var back Value
		require.NoError(t, json.Unmarshal(data, &back))
		assert.True(t, v.Equal(back), "round trip changed %s", v)
	}
}

func TestValueUnmarshalRejectsUnknownKind(t *testing.T) {
	var v Value
	err := json.Unmarshal([]byte(`{"kind":"matrix"}`), &v)
	assert.Error(t, err)
}
