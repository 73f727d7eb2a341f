// Package metric defines the value and state model of the engine: the
// immutable MetricValue produced by an analysis, and the mergeable
// AnalyzerState that can be computed per partition and combined
// algebraically before being finalized into a value.
package metric

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind identifies the shape of a Value.
type Kind uint8

const (
	// KindLong is an integer count.
	KindLong Kind = iota + 1
	// KindDouble is a floating-point scalar.
	KindDouble
	// KindDistribution is an ordered list of named sub-values, e.g. quantiles.
	KindDistribution
	// KindSketch is an opaque serialized sketch handle.
	KindSketch
)

func (k Kind) String() string {
	switch k {
	case KindLong:
		return "long"
	case KindDouble:
		return "double"
	case KindDistribution:
		return "distribution"
	case KindSketch:
		return "sketch"
	default:
		return "unknown"
	}
}

func kindFromString(s string) (Kind, error) {
	switch s {
	case "long":
		return KindLong, nil
	case "double":
		return KindDouble, nil
	case "distribution":
		return KindDistribution, nil
	case "sketch":
		return KindSketch, nil
	default:
		return 0, fmt.Errorf("metric: unknown value kind %q", s)
	}
}

// Entry is one named sub-value of a distribution metric.
type Entry struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// SketchHandle carries a serialized sketch as an opaque metric payload.
// The algorithm tag tells a consumer how to decode it.
type SketchHandle struct {
	Algorithm string `json:"algorithm"`
	Payload   []byte `json:"payload"`
}

// Value is the immutable result of finalizing an analyzer state.
// The zero Value is invalid; construct through Long, Double,
// Distribution or Sketch.
type Value struct {
	kind   Kind
	long   int64
	double float64
	dist   []Entry
	sketch SketchHandle
}

// Long returns an integer-count value.
func Long(v int64) Value {
	return Value{kind: KindLong, long: v}
}

// Double returns a floating-point scalar value.
func Double(v float64) Value {
	return Value{kind: KindDouble, double: v}
}

// Distribution returns an ordered named-sub-value metric. The entry
// order is preserved and significant for equality.
func Distribution(entries ...Entry) Value {
	d := make([]Entry, len(entries))
	copy(d, entries)
	return Value{kind: KindDistribution, dist: d}
}

// Sketch returns an opaque sketch-handle value.
func Sketch(algorithm string, payload []byte) Value {
	p := make([]byte, len(payload))
	copy(p, payload)
	return Value{kind: KindSketch, sketch: SketchHandle{Algorithm: algorithm, Payload: p}}
}

// Kind reports the shape of the value.
func (v Value) Kind() Kind { return v.kind }

// Long returns the integer payload; ok is false for other kinds.
func (v Value) Long() (int64, bool) {
	return v.long, v.kind == KindLong
}

// Double returns the scalar payload; ok is false for other kinds.
func (v Value) Double() (float64, bool) {
	return v.double, v.kind == KindDouble
}

// Float converts a Long or Double value to float64. It is the numeric
// view used when storing metric history.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindLong:
		return float64(v.long), true
	case KindDouble:
		return v.double, true
	default:
		return 0, false
	}
}

// Distribution returns a copy of the ordered entries; ok is false for
// other kinds.
func (v Value) Distribution() ([]Entry, bool) {
	if v.kind != KindDistribution {
		return nil, false
	}
	d := make([]Entry, len(v.dist))
	copy(d, v.dist)
	return d, true
}

// Entry looks up one named sub-value of a distribution.
func (v Value) Entry(name string) (float64, bool) {
	if v.kind != KindDistribution {
		return 0, false
	}
	for _, e := range v.dist {
		if e.Name == name {
			return e.Value, true
		}
	}
	return 0, false
}

// Sketch returns the sketch handle; ok is false for other kinds.
func (v Value) Sketch() (SketchHandle, bool) {
	if v.kind != KindSketch {
		return SketchHandle{}, false
	}
	p := make([]byte, len(v.sketch.Payload))
	copy(p, v.sketch.Payload)
	return SketchHandle{Algorithm: v.sketch.Algorithm, Payload: p}, true
}

// Equal reports structural equality between two values.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindLong:
		return v.long == other.long
	case KindDouble:
		return v.double == other.double
	case KindDistribution:
		if len(v.dist) != len(other.dist) {
			return false
		}
		for i := range v.dist {
			if v.dist[i] != other.dist[i] {
				return false
			}
		}
		return true
	case KindSketch:
		if v.sketch.Algorithm != other.sketch.Algorithm {
			return false
		}
		if len(v.sketch.Payload) != len(other.sketch.Payload) {
			return false
		}
		for i := range v.sketch.Payload {
			if v.sketch.Payload[i] != other.sketch.Payload[i] {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) String() string {
	switch v.kind {
	case KindLong:
		return strconv.FormatInt(v.long, 10)
	case KindDouble:
		return strconv.FormatFloat(v.double, 'g', -1, 64)
	case KindDistribution:
		return fmt.Sprintf("distribution(%d entries)", len(v.dist))
	case KindSketch:
		return fmt.Sprintf("sketch(%s, %d bytes)", v.sketch.Algorithm, len(v.sketch.Payload))
	default:
		return "invalid"
	}
}

type valueJSON struct {
	Kind         string        `json:"kind"`
	Long         *int64        `json:"long,omitempty"`
	Double       *float64      `json:"double,omitempty"`
	Distribution []Entry       `json:"distribution,omitempty"`
	Sketch       *SketchHandle `json:"sketch,omitempty"`
}

// MarshalJSON encodes the value as a kind-tagged envelope. A value must
// round-trip through JSON unchanged.
func (v Value) MarshalJSON() ([]byte, error) {
	env := valueJSON{Kind: v.kind.String()}
	switch v.kind {
	case KindLong:
		env.Long = &v.long
	case KindDouble:
		env.Double = &v.double
	case KindDistribution:
		env.Distribution = v.dist
		if env.Distribution == nil {
			env.Distribution = []Entry{}
		}
	case KindSketch:
		s := v.sketch
		env.Sketch = &s
	default:
		return nil, fmt.Errorf("metric: cannot marshal value of kind %d", v.kind)
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes a kind-tagged envelope produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var env valueJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	kind, err := kindFromString(env.Kind)
	if err != nil {
		return err
	}
	switch kind {
	case KindLong:
		if env.Long == nil {
			return fmt.Errorf("metric: long value missing payload")
		}
		*v = Long(*env.Long)
	case KindDouble:
		if env.Double == nil {
			return fmt.Errorf("metric: double value missing payload")
		}
		*v = Double(*env.Double)
	case KindDistribution:
		*v = Distribution(env.Distribution...)
	case KindSketch:
		if env.Sketch == nil {
			return fmt.Errorf("metric: sketch value missing payload")
		}
		*v = Sketch(env.Sketch.Algorithm, env.Sketch.Payload)
	}
	return nil
}
