package anomaly

import (
	"fmt"
	"math"

	"github.com/veridata/dqe/pkg/repository"
)

// RelativeRate flags values whose relative change against the
// historical mean exceeds MaxRate. A Window > 0 restricts the baseline
// to that many trailing points.
type RelativeRate struct {
	// MaxRate is the allowed |change| as a fraction of the baseline,
	// e.g. 0.25 for ±25%.
	MaxRate float64
	// Window is the trailing baseline size; 0 means the whole history.
	Window int
}

func (d *RelativeRate) Name() string { return "relative_rate" }

func (d *RelativeRate) Detect(history []repository.Point, current float64) (*Anomaly, error) {
	if len(history) == 0 {
		return nil, ErrInsufficientHistory
	}
	points := history
	if d.Window > 0 && len(points) > d.Window {
		points = points[len(points)-d.Window:]
	}
	baseline := historyMean(points)
	if baseline == 0 {
		// Any change from a zero baseline is an infinite rate; the
		// detector has nothing meaningful to compare against.
		return nil, nil
	}

	rate := math.Abs(current-baseline) / math.Abs(baseline)
	severity, confidence, flagged := grade(rate / d.MaxRate)
	if !flagged {
		return nil, nil
	}
	return &Anomaly{
		Value:      current,
		LowerBound: baseline - math.Abs(baseline)*d.MaxRate,
		UpperBound: baseline + math.Abs(baseline)*d.MaxRate,
		Severity:   severity,
		Confidence: confidence,
		Message: fmt.Sprintf("value %.4g deviates %.1f%% from baseline %.4g (allowed %.1f%%)",
			current, rate*100, baseline, d.MaxRate*100),
	}, nil
}

// AbsoluteChange flags values that moved more than MaxDelta away from
// the most recent observation.
type AbsoluteChange struct {
	MaxDelta float64
}

func (d *AbsoluteChange) Name() string { return "absolute_change" }

func (d *AbsoluteChange) Detect(history []repository.Point, current float64) (*Anomaly, error) {
	if len(history) == 0 {
		return nil, ErrInsufficientHistory
	}
	last := history[len(history)-1].Value
	delta := math.Abs(current - last)
	severity, confidence, flagged := grade(delta / d.MaxDelta)
	if !flagged {
		return nil, nil
	}
	return &Anomaly{
		Value:      current,
		LowerBound: last - d.MaxDelta,
		UpperBound: last + d.MaxDelta,
		Severity:   severity,
		Confidence: confidence,
		Message: fmt.Sprintf("value %.4g changed by %.4g from previous %.4g (allowed %.4g)",
			current, delta, last, d.MaxDelta),
	}, nil
}

// Default z-score parameters.
const (
	DefaultZScoreThreshold  = 3.0
	DefaultZScoreMinHistory = 20
)

// ZScore flags values whose distance from the historical mean exceeds
// Threshold standard deviations. With fewer than MinHistory points it
// abstains: a z-score over a handful of observations is noise.
type ZScore struct {
	// Threshold in standard deviations; 0 means the default of 3.
	Threshold float64
	// MinHistory is the abstention floor; 0 means the default of 20.
	MinHistory int
}

func (d *ZScore) Name() string { return "zscore" }

func (d *ZScore) threshold() float64 {
	if d.Threshold > 0 {
		return d.Threshold
	}
	return DefaultZScoreThreshold
}

func (d *ZScore) minHistory() int {
	if d.MinHistory > 0 {
		return d.MinHistory
	}
	return DefaultZScoreMinHistory
}

func (d *ZScore) Detect(history []repository.Point, current float64) (*Anomaly, error) {
	if len(history) < d.minHistory() {
		return nil, fmt.Errorf("%w: have %d points, need %d",
			ErrInsufficientHistory, len(history), d.minHistory())
	}
	mean := historyMean(history)
	std := historyStdDev(history, mean)
	threshold := d.threshold()

	if std == 0 {
		// A perfectly flat history makes any deviation significant.
		if current == mean {
			return nil, nil
		}
		return &Anomaly{
			Value:      current,
			LowerBound: mean,
			UpperBound: mean,
			Severity:   SeverityCritical,
			Confidence: 0.99,
			Message: fmt.Sprintf("value %.4g deviates from a constant history at %.4g",
				current, mean),
		}, nil
	}

	z := math.Abs(current-mean) / std
	severity, confidence, flagged := grade(z / threshold)
	if !flagged {
		return nil, nil
	}
	return &Anomaly{
		Value:      current,
		LowerBound: mean - threshold*std,
		UpperBound: mean + threshold*std,
		Severity:   severity,
		Confidence: confidence,
		Message: fmt.Sprintf("value %.4g is %.2f standard deviations from mean %.4g (threshold %.2f)",
			current, z, mean, threshold),
	}, nil
}

// Custom adapts a plain function into a Detector.
type Custom struct {
	DetectorName string
	Fn           func(history []repository.Point, current float64) (*Anomaly, error)
}

func (d *Custom) Name() string {
	if d.DetectorName == "" {
		return "custom"
	}
	return d.DetectorName
}

func (d *Custom) Detect(history []repository.Point, current float64) (*Anomaly, error) {
	return d.Fn(history, current)
}
