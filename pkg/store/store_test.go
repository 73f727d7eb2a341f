package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/veridata/dqe/pkg/metric"
	"github.com/veridata/dqe/pkg/sketch"
)

func openSQLiteStore(t *testing.T) StateStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	s, err := NewSQLite(context.Background(), db)
	require.NoError(t, err)
	return s
}

func TestMemoryStore(t *testing.T) {
	runStateStoreTests(t, func(t *testing.T) StateStore { return NewMemory() })
}

func TestSQLiteStore(t *testing.T) {
	runStateStoreTests(t, func(t *testing.T) StateStore { return openSQLiteStore(t) })
}

func sampleStates(t *testing.T) StateMap {
	t.Helper()
	card := sketch.NewCardinalityState(12, 0)
	for i := 0; i < 500; i++ {
		card.Observe(fmt.Sprintf("user-%d", i))
	}
	quant := sketch.NewQuantileState(200, 1, []float64{0.5, 0.9})
	for i := 0; i < 1000; i++ {
		quant.Observe(float64(i))
	}
	return StateMap{
		"size.*":                  &metric.SizeState{Count: 1000},
		"mean.amount":             &metric.MeanState{Sum: 250.5, Count: 10},
		"approx_distinct.user_id": card,
		"approx_quantiles.amount": quant,
	}
}

func runStateStoreTests(t *testing.T, open func(t *testing.T) StateStore) {
	ctx := context.Background()

	t.Run("SaveLoadRoundTrip", func(t *testing.T) {
		s := open(t)
		want := sampleStates(t)
		require.NoError(t, s.Save(ctx, "2024-01-01", want))

		got, err := s.Load(ctx, "2024-01-01")
		require.NoError(t, err)
		require.Len(t, got, len(want))
		for key, state := range want {
			require.Contains(t, got, key)
			assert.Equal(t, state.Kind(), got[key].Kind(), key)
			assert.True(t, got[key].Metric().Equal(state.Metric()), key)
		}

		// Loaded states are live: merging two loads doubles the count.
		again, err := s.Load(ctx, "2024-01-01")
		require.NoError(t, err)
		merged, err := got["size.*"].Merge(again["size.*"])
		require.NoError(t, err)
		assert.True(t, merged.Metric().Equal(metric.Long(2000)))
	})

	t.Run("LoadMissing", func(t *testing.T) {
		s := open(t)
		_, err := s.Load(ctx, "never-saved")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("SaveReplacesWholeMap", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Save(ctx, "p", StateMap{
			"size.*":      &metric.SizeState{Count: 1},
			"mean.amount": &metric.MeanState{Sum: 5, Count: 1},
		}))
		require.NoError(t, s.Save(ctx, "p", StateMap{
			"size.*": &metric.SizeState{Count: 2},
		}))

		got, err := s.Load(ctx, "p")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got["size.*"].Metric().Equal(metric.Long(2)))
	})

	t.Run("SaveEmptyRemoves", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Save(ctx, "p", StateMap{"size.*": &metric.SizeState{Count: 1}}))
		require.NoError(t, s.Save(ctx, "p", nil))

		_, err := s.Load(ctx, "p")
		assert.ErrorIs(t, err, ErrNotFound)
		keys, err := s.List(ctx)
		require.NoError(t, err)
		assert.NotContains(t, keys, "p")
	})

	t.Run("ListSorted", func(t *testing.T) {
		s := open(t)
		for _, key := range []string{"2024-03", "2024-01", "2024-02"} {
			require.NoError(t, s.Save(ctx, key, StateMap{"size.*": &metric.SizeState{Count: 1}}))
		}
		keys, err := s.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"2024-01", "2024-02", "2024-03"}, keys)
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Save(ctx, "p", StateMap{"size.*": &metric.SizeState{Count: 1}}))
		require.NoError(t, s.Delete(ctx, "p"))
		require.NoError(t, s.Delete(ctx, "p"))
		_, err := s.Load(ctx, "p")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UnknownKindSurvivesRoundTrip", func(t *testing.T) {
		s := open(t)
		payload := []byte{0x01, 0x02, 0x03, 0x04}
		require.NoError(t, s.Save(ctx, "p", StateMap{
			"size.*":          &metric.SizeState{Count: 7},
			"novel.statistic": metric.NewRaw("t_digest_v3", payload),
		}))

		got, err := s.Load(ctx, "p")
		require.NoError(t, err)
		novel := got["novel.statistic"]
		require.NotNil(t, novel)
		assert.Equal(t, "t_digest_v3", novel.Kind())
		assert.Equal(t, payload, novel.Serialize())

		// Writing the loaded map back must not drop the unknown state.
		require.NoError(t, s.Save(ctx, "p", got))
		got, err = s.Load(ctx, "p")
		require.NoError(t, err)
		require.Contains(t, got, "novel.statistic")
		assert.Equal(t, payload, got["novel.statistic"].Serialize())
	})

	t.Run("ConcurrentSavesDistinctKeys", func(t *testing.T) {
		s := open(t)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("part-%d", i)
				assert.NoError(t, s.Save(ctx, key, StateMap{
					"size.*": &metric.SizeState{Count: int64(i)},
				}))
			}(i)
		}
		wg.Wait()

		keys, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, keys, 8)
	})

	t.Run("ConcurrentSavesSameKeyStayAtomic", func(t *testing.T) {
		s := open(t)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, s.Save(ctx, "p", StateMap{
					"x": &metric.SizeState{Count: int64(i)},
					"y": &metric.SizeState{Count: int64(i)},
				}))
			}(i)
		}
		wg.Wait()

		// Whichever save won, the map must be internally consistent.
		got, err := s.Load(ctx, "p")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.True(t, got["x"].Metric().Equal(got["y"].Metric()))
	})
}

func TestSQLiteStorePersistsAcrossInstances(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	ctx := context.Background()
	first, err := NewSQLite(ctx, db)
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, "p", StateMap{"size.*": &metric.SizeState{Count: 42}}))

	second, err := NewSQLite(ctx, db)
	require.NoError(t, err)
	got, err := second.Load(ctx, "p")
	require.NoError(t, err)
	assert.True(t, got["size.*"].Metric().Equal(metric.Long(42)))
}
