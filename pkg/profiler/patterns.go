package profiler

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Pattern names reported by DetectPatterns.
const (
	PatternUUID        = "uuid"
	PatternEmail       = "email"
	PatternURL         = "url"
	PatternIPv4        = "ipv4"
	PatternISO4217     = "iso_4217"
	PatternDate        = "date"
	PatternUnixSeconds = "unix_seconds"
	PatternUnixMillis  = "unix_millis"
	PatternUnixMicros  = "unix_micros"
	PatternUnixNanos   = "unix_nanos"
)

// PatternMatch reports one recognized format among sampled values.
// MatchRate is the matching share of the sample, so a column mixing
// formats reports several partial matches.
type PatternMatch struct {
	Name      string   `json:"name"`
	MatchRate float64  `json:"match_rate"`
	Examples  []string `json:"examples,omitempty"`
}

const patternExampleCap = 5

// patternDef pairs a shape expression with an optional semantic check
// applied after the regex. Patterns are matched against column data,
// never against column names.
type patternDef struct {
	name     string
	re       *regexp.Regexp
	validate func(string) bool
}

var patternLibrary = []patternDef{
	{name: PatternUUID, re: regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)},
	{name: PatternEmail, re: regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)},
	{name: PatternURL, re: regexp.MustCompile(`^https?://`)},
	{name: PatternIPv4, re: regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`), validate: validIPv4},
	{name: PatternISO4217, re: regexp.MustCompile(`^[A-Z]{3}$`), validate: knownCurrency},
	{name: PatternDate, re: regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)},
	{name: PatternUnixSeconds, re: regexp.MustCompile(`^[0-9]{10}$`), validate: unixInRange(1)},
	{name: PatternUnixMillis, re: regexp.MustCompile(`^[0-9]{13}$`), validate: unixInRange(1_000)},
	{name: PatternUnixMicros, re: regexp.MustCompile(`^[0-9]{16}$`), validate: unixInRange(1_000_000)},
	{name: PatternUnixNanos, re: regexp.MustCompile(`^[0-9]{19}$`), validate: unixInRange(1_000_000_000)},
}

func validIPv4(s string) bool {
	for _, part := range strings.Split(s, ".") {
		n, err := strconv.Atoi(part)
		if err != nil || n > 255 {
			return false
		}
	}
	return true
}

// currencyCodes is a common subset of ISO 4217. Three uppercase
// letters alone would flag any short category column.
var currencyCodes = map[string]struct{}{
	"USD": {}, "EUR": {}, "GBP": {}, "JPY": {}, "CNY": {},
	"INR": {}, "SGD": {}, "AUD": {}, "CAD": {}, "CHF": {},
	"HKD": {}, "NZD": {}, "SEK": {}, "KRW": {}, "NOK": {},
	"MXN": {}, "BRL": {}, "ZAR": {}, "THB": {}, "MYR": {},
	"PLN": {}, "DKK": {}, "TRY": {}, "AED": {}, "ILS": {},
}

func knownCurrency(s string) bool {
	_, ok := currencyCodes[s]
	return ok
}

// unixInRange treats a digit run as a unix timestamp at the given
// per-second scale and accepts it when it lands between 1970 and 2100.
func unixInRange(perSecond int64) func(string) bool {
	return func(s string) bool {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return false
		}
		year := time.Unix(n/perSecond, 0).UTC().Year()
		return year >= 1970 && year <= 2100
	}
}

// DetectPatterns runs the pattern library over a sample of raw values
// and reports every pattern that matched at least once, strongest
// first. Up to five matching examples are kept per pattern.
func DetectPatterns(values []string) []PatternMatch {
	if len(values) == 0 {
		return nil
	}
	var out []PatternMatch
	for _, def := range patternLibrary {
		matched := 0
		var examples []string
		for _, v := range values {
			if !def.re.MatchString(v) {
				continue
			}
			if def.validate != nil && !def.validate(v) {
				continue
			}
			matched++
			if len(examples) < patternExampleCap {
				examples = append(examples, v)
			}
		}
		if matched == 0 {
			continue
		}
		out = append(out, PatternMatch{
			Name:      def.name,
			MatchRate: float64(matched) / float64(len(values)),
			Examples:  examples,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MatchRate != out[j].MatchRate {
			return out[i].MatchRate > out[j].MatchRate
		}
		return out[i].Name < out[j].Name
	})
	return out
}
