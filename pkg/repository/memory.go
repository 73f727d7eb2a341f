package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/veridata/dqe/pkg/metric"
)

const (
	defaultMaxSeries       = 1024
	defaultPointsPerSeries = 1000
)

// Memory is a bounded in-process repository: an LRU over series, a
// FIFO cap on points within each series. Suited to tests and to
// sidecar deployments that only need recent history.
type Memory struct {
	clock     clock.Clock
	maxPoints int

	mu     sync.Mutex
	series *lru.Cache[string, *seriesBuffer]
}

type seriesBuffer struct {
	mu     sync.Mutex
	points []Point
}

// MemoryOption configures a Memory repository.
type MemoryOption func(*Memory) error

// WithClock injects the time source. Default is the wall clock.
func WithClock(c clock.Clock) MemoryOption {
	return func(m *Memory) error {
		m.clock = c
		return nil
	}
}

// WithMaxSeries bounds how many distinct series are retained before
// the least recently used one is evicted.
func WithMaxSeries(n int) MemoryOption {
	return func(m *Memory) error {
		cache, err := lru.New[string, *seriesBuffer](n)
		if err != nil {
			return err
		}
		m.series = cache
		return nil
	}
}

// WithPointsPerSeries caps the points kept per series; the oldest
// entries by arrival are dropped first.
func WithPointsPerSeries(n int) MemoryOption {
	return func(m *Memory) error {
		if n > 0 {
			m.maxPoints = n
		}
		return nil
	}
}

// NewMemory builds an in-memory repository.
func NewMemory(opts ...MemoryOption) (*Memory, error) {
	cache, err := lru.New[string, *seriesBuffer](defaultMaxSeries)
	if err != nil {
		return nil, err
	}
	m := &Memory{
		clock:     clock.New(),
		maxPoints: defaultPointsPerSeries,
		series:    cache,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func seriesKey(name, tagSet string) string {
	if tagSet == "" {
		return name
	}
	return name + "|" + tagSet
}

func (m *Memory) buffer(key string) *seriesBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if buf, ok := m.series.Get(key); ok {
		return buf
	}
	buf := &seriesBuffer{}
	m.series.Add(key, buf)
	return buf
}

func (m *Memory) Store(ctx context.Context, name string, value metric.Value, at time.Time, tags map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	samples, err := expand(name, value)
	if err != nil {
		return err
	}
	if at.IsZero() {
		at = m.clock.Now()
	}
	tagSet := canonicalTags(tags)
	for _, s := range samples {
		buf := m.buffer(seriesKey(s.series, tagSet))
		buf.mu.Lock()
		buf.points = append(buf.points, Point{At: at, Value: s.value})
		if len(buf.points) > m.maxPoints {
			buf.points = buf.points[len(buf.points)-m.maxPoints:]
		}
		buf.mu.Unlock()
	}
	return nil
}

func (m *Memory) History(ctx context.Context, name string, tags map[string]string, from, to time.Time) ([]Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := seriesKey(name, canonicalTags(tags))
	m.mu.Lock()
	buf, ok := m.series.Get(key)
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}

	buf.mu.Lock()
	out := make([]Point, 0, len(buf.points))
	for _, p := range buf.points {
		if inWindow(p.At, from, to) {
			out = append(out, p)
		}
	}
	buf.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}
