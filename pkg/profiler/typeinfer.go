package profiler

import (
	"strconv"
	"strings"
	"time"

	"github.com/veridata/dqe/pkg/dataset"
)

// nullMarkers are sampled strings treated as missing during the type
// vote, matching common CSV conventions.
var nullMarkers = map[string]struct{}{
	"":     {},
	"null": {},
	"NULL": {},
	"N/A":  {},
	"n/a":  {},
}

// dateLayouts are the formats accepted by date inference, most
// specific first. Bare four-digit years are deliberately absent: a
// layout that parses every number between 1000 and 9999 would turn
// integer columns into dates.
var dateLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02 Jan 2006",
	"Jan 2, 2006",
}

// parseDate tries every known layout and reports the first that
// parses.
func parseDate(s string) (time.Time, string, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, layout, true
		}
	}
	return time.Time{}, "", false
}

// inference is the outcome of the sampled type vote.
type inference struct {
	kind       string
	confidence float64
}

// classifyValue assigns one sampled value to a type. Driver-typed
// values win outright; strings are tested as date, then integer, then
// decimal. Parsing is strict: "1,234" or "$5" count as strings, since
// that is what the engine would store them as.
func classifyValue(v any, s string) string {
	switch v.(type) {
	case int, int32, int64, uint64:
		return TypeInteger
	case float32, float64:
		return TypeDecimal
	case time.Time:
		return TypeDate
	}
	if _, _, ok := parseDate(s); ok {
		return TypeDate
	}
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return TypeInteger
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return TypeDecimal
	}
	return TypeString
}

// inferType votes across the sampled values: each non-null value
// counts toward exactly one of date, numeric or string, and a type
// wins once its share reaches the threshold. A numeric winner is
// integer only when no fractional values were seen. No winner means
// mixed, reported with the best share as its (low) confidence. A
// sample with no usable values is also mixed, at confidence zero.
func inferType(sample []any, threshold float64) inference {
	var dateCount, intCount, decCount, strCount, total int
	for _, v := range sample {
		if v == nil {
			continue
		}
		s := strings.TrimSpace(dataset.AsString(v))
		if _, null := nullMarkers[s]; null {
			continue
		}
		total++
		switch classifyValue(v, s) {
		case TypeDate:
			dateCount++
		case TypeInteger:
			intCount++
		case TypeDecimal:
			decCount++
		default:
			strCount++
		}
	}
	if total == 0 {
		return inference{kind: TypeMixed}
	}

	n := float64(total)
	numCount := intCount + decCount
	switch {
	case float64(dateCount)/n >= threshold:
		return inference{kind: TypeDate, confidence: float64(dateCount) / n}
	case float64(numCount)/n >= threshold:
		kind := TypeInteger
		if decCount > 0 {
			kind = TypeDecimal
		}
		return inference{kind: kind, confidence: float64(numCount) / n}
	case float64(strCount)/n >= threshold:
		return inference{kind: TypeString, confidence: float64(strCount) / n}
	}

	best := dateCount
	if numCount > best {
		best = numCount
	}
	if strCount > best {
		best = strCount
	}
	return inference{kind: TypeMixed, confidence: float64(best) / n}
}
