package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridata/dqe/pkg/repository"
)

func alwaysFlag(name string, confidence float64) *Custom {
	return &Custom{
		DetectorName: name,
		Fn: func(_ []repository.Point, current float64) (*Anomaly, error) {
			return &Anomaly{
				Value:      current,
				Severity:   SeverityWarning,
				Confidence: confidence,
				Message:    "flagged",
			}, nil
		},
	}
}

func TestRegistryRoutesByPattern(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("mean.*", alwaysFlag("mean_watcher", 0.9)))
	require.NoError(t, r.Register("size.*", alwaysFlag("size_watcher", 0.9)))

	anomalies, abstentions := r.Check("mean.amount", points(1, 2, 3), 100)
	require.Len(t, anomalies, 1)
	assert.Empty(t, abstentions)
	assert.Equal(t, "mean_watcher", anomalies[0].Detector)
	assert.Equal(t, "mean.amount", anomalies[0].Metric)

	anomalies, _ = r.Check("completeness.amount", points(1, 2, 3), 100)
	assert.Empty(t, anomalies)
}

func TestRegistryExactPattern(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("size.*", alwaysFlag("exact", 0.9)))

	// The glob star spans dots, so "size.*" matches the table metric.
	anomalies, _ := r.Check("size.*", nil, 1)
	assert.Len(t, anomalies, 1)
	anomalies, _ = r.Check("size.events", nil, 1)
	assert.Len(t, anomalies, 1)
}

func TestRegistryWildcardMatchesEverything(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("*", alwaysFlag("catch_all", 0.9)))

	anomalies, _ := r.Check("anything.at.all", nil, 1)
	assert.Len(t, anomalies, 1)
}

func TestRegistryMultipleMatchesUnion(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("mean.*", alwaysFlag("first", 0.9)))
	require.NoError(t, r.Register("*.amount", alwaysFlag("second", 0.8)))

	anomalies, _ := r.Check("mean.amount", nil, 1)
	require.Len(t, anomalies, 2)
	assert.Equal(t, "first", anomalies[0].Detector)
	assert.Equal(t, "second", anomalies[1].Detector)
}

func TestRegistryMinConfidenceFilter(t *testing.T) {
	r := NewRegistry(WithMinConfidence(0.5))
	require.NoError(t, r.Register("*", alwaysFlag("confident", 0.9)))
	require.NoError(t, r.Register("*", alwaysFlag("hesitant", 0.2)))

	anomalies, abstentions := r.Check("m", nil, 1)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "confident", anomalies[0].Detector)
	assert.Empty(t, abstentions)
}

func TestRegistryReportsAbstentions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("*", &ZScore{}))

	anomalies, abstentions := r.Check("mean.v", points(1, 2, 3, 4, 5), 100)
	assert.Empty(t, anomalies)
	require.Len(t, abstentions, 1)
	assert.Equal(t, "zscore", abstentions[0].Detector)
	assert.Contains(t, abstentions[0].Reason, "insufficient history")
}

func TestRegistryRejectsBadPattern(t *testing.T) {
	r := NewRegistry()
	err := r.Register("[", &ZScore{})
	assert.Error(t, err)
}
