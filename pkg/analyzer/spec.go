package analyzer

import (
	"fmt"
	"strings"
)

// FromSpec builds a named analyzer from loosely-typed parameters, the
// form API requests and CLI flags arrive in. Numeric parameters carry
// JSON typing: float64, with arrays as []any. Out-of-range parameters
// fall back to the constructor defaults.
func FromSpec(name, column string, params map[string]any) (Analyzer, error) {
	typ := strings.ToLower(strings.TrimSpace(name))
	if typ != "size" && column == "" {
		return nil, fmt.Errorf("analyzer: %s requires a column", typ)
	}
	switch typ {
	case "size":
		return Size(), nil
	case "completeness":
		return Completeness(column), nil
	case "mean":
		return Mean(column), nil
	case "stddev":
		return StandardDeviation(column), nil
	case "min":
		return Minimum(column), nil
	case "max":
		return Maximum(column), nil
	case "approx_distinct":
		if p := specInt(params, "precision"); p >= 4 && p <= 18 {
			return ApproxDistinctPrecision(column, uint8(p)), nil
		}
		return ApproxDistinct(column), nil
	case "approx_quantiles":
		return ApproxQuantiles(column, specFloats(params, "quantiles")...), nil
	case "histogram":
		return Histogram(column, specInt(params, "top_n")), nil
	case "frequent_items":
		return FrequentItems(column, specInt(params, "k")), nil
	default:
		return nil, fmt.Errorf("analyzer: unknown type %q", name)
	}
}

func specInt(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func specFloats(params map[string]any, key string) []float64 {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(raw))
	for _, v := range raw {
		if f, ok := v.(float64); ok {
			out = append(out, f)
		}
	}
	return out
}
