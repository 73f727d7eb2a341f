// Package anomaly flags metric observations that deviate from their
// historical baseline. Detectors abstain rather than guess when the
// history is too thin to support a verdict.
package anomaly

import (
	"errors"
	"math"

	"github.com/veridata/dqe/pkg/repository"
)

// ErrInsufficientHistory reports that a detector abstained because the
// history does not support a statistical judgement. It is not a
// failure of the caller.
var ErrInsufficientHistory = errors.New("anomaly: insufficient history")

// Severity grades a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Anomaly is one finding about one metric observation.
type Anomaly struct {
	Metric     string   `json:"metric"`
	Value      float64  `json:"value"`
	LowerBound float64  `json:"lower_bound"`
	UpperBound float64  `json:"upper_bound"`
	Severity   Severity `json:"severity"`
	Confidence float64  `json:"confidence"`
	Detector   string   `json:"detector"`
	Message    string   `json:"message"`
}

// Detector inspects one observation against its history. A nil
// anomaly with a nil error means the value looks normal;
// ErrInsufficientHistory means the detector abstained.
type Detector interface {
	Name() string
	Detect(history []repository.Point, current float64) (*Anomaly, error)
}

// grade turns the ratio of observed deviation to allowed deviation
// into a severity and confidence. Below 0.8 nothing is reported; the
// borderline band under the threshold surfaces as low-confidence info.
func grade(ratio float64) (Severity, float64, bool) {
	switch {
	case ratio >= 2:
		return SeverityCritical, 1 - 1/(2*ratio), true
	case ratio >= 1:
		return SeverityWarning, 1 - 1/(2*ratio), true
	case ratio >= 0.8:
		return SeverityInfo, 0.3, true
	default:
		return "", 0, false
	}
}

func historyMean(points []repository.Point) float64 {
	if len(points) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range points {
		sum += p.Value
	}
	return sum / float64(len(points))
}

func historyStdDev(points []repository.Point, mean float64) float64 {
	if len(points) == 0 {
		return 0
	}
	sumSq := 0.0
	for _, p := range points {
		d := p.Value - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(points)))
}
