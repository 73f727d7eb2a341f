package anomaly

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gobwas/glob"
	"go.uber.org/zap"

	"github.com/veridata/dqe/pkg/repository"
)

// Abstention records a detector that matched a metric but declined to
// judge it.
type Abstention struct {
	Detector string `json:"detector"`
	Reason   string `json:"reason"`
}

// Registry routes metric names to detectors via glob patterns and
// fans a check out to every match.
type Registry struct {
	minConfidence float64
	logger        *zap.Logger

	mu      sync.RWMutex
	entries []registryEntry
}

type registryEntry struct {
	pattern  string
	matcher  glob.Glob
	detector Detector
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMinConfidence drops findings whose confidence falls below c.
func WithMinConfidence(c float64) RegistryOption {
	return func(r *Registry) { r.minConfidence = c }
}

// WithRegistryLogger sets the registry logger. Default is a nop
// logger.
func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry builds an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds a detector to every metric matching pattern. Patterns
// are globs over the full metric key: "mean.*", "*.amount", or an
// exact name.
func (r *Registry) Register(pattern string, d Detector) error {
	matcher, err := glob.Compile(pattern)
	if err != nil {
		return fmt.Errorf("anomaly: bad pattern %q: %w", pattern, err)
	}
	r.mu.Lock()
	r.entries = append(r.entries, registryEntry{pattern: pattern, matcher: matcher, detector: d})
	r.mu.Unlock()
	return nil
}

// Check runs every matching detector over the observation. Findings
// below the confidence floor are dropped; detectors that abstain are
// reported separately so a caller can tell "normal" from "unjudged".
func (r *Registry) Check(metricName string, history []repository.Point, current float64) ([]Anomaly, []Abstention) {
	r.mu.RLock()
	entries := make([]registryEntry, len(r.entries))
	copy(entries, r.entries)
	r.mu.RUnlock()

	var anomalies []Anomaly
	var abstentions []Abstention
	for _, e := range entries {
		if !e.matcher.Match(metricName) {
			continue
		}
		finding, err := e.detector.Detect(history, current)
		if err != nil {
			reason := err.Error()
			if !errors.Is(err, ErrInsufficientHistory) {
				r.logger.Warn("detector failed",
					zap.String("detector", e.detector.Name()),
					zap.String("metric", metricName),
					zap.Error(err))
			}
			abstentions = append(abstentions, Abstention{
				Detector: e.detector.Name(),
				Reason:   reason,
			})
			continue
		}
		if finding == nil {
			continue
		}
		if finding.Confidence < r.minConfidence {
			continue
		}
		finding.Metric = metricName
		finding.Detector = e.detector.Name()
		anomalies = append(anomalies, *finding)
	}
	return anomalies, abstentions
}
