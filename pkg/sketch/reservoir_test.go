package sketch

import (
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReservoirBelowCapacityKeepsEverything(t *testing.T) {
	r := NewReservoir(10, 1)
	for i := 0; i < 5; i++ {
		r.Add(fmt.Sprintf("v%d", i))
	}
	assert.Equal(t, []string{"v0", "v1", "v2", "v3", "v4"}, r.Items())
	assert.Equal(t, uint64(5), r.Seen())
}

func TestReservoirBounded(t *testing.T) {
	r := NewReservoir(10, 2)
	for i := 0; i < 1000; i++ {
		r.Add(fmt.Sprintf("v%d", i))
	}
	assert.Len(t, r.Items(), 10)
	assert.Equal(t, uint64(1000), r.Seen())
	assert.Equal(t, 10, r.Capacity())
}

func TestReservoirSamplesWholeStream(t *testing.T) {
	r := NewReservoir(100, 3)
	n := 10000
	for i := 0; i < n; i++ {
		r.Add(strconv.Itoa(i))
	}
	var sawEarly, sawLate bool
	for _, item := range r.Items() {
		v, err := strconv.Atoi(item)
		require.NoError(t, err)
		require.GreaterOrEqual(t, v, 0)
		require.Less(t, v, n)
		if v < n/2 {
			sawEarly = true
		} else {
			sawLate = true
		}
	}
	// A uniform sample of 100 from 10k covers both halves.
	assert.True(t, sawEarly)
	assert.True(t, sawLate)
}

func TestReservoirCapacityClamped(t *testing.T) {
	r := NewReservoir(0, 4)
	assert.Equal(t, 100, r.Capacity())
}
