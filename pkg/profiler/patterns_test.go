package profiler

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectPatternsEmail(t *testing.T) {
	values := make([]string, 10)
	for i := range values {
		values[i] = fmt.Sprintf("user%d@example.com", i)
	}
	got := DetectPatterns(values)
	require.Len(t, got, 1)
	assert.Equal(t, PatternEmail, got[0].Name)
	assert.InDelta(t, 1.0, got[0].MatchRate, 1e-12)
	assert.Len(t, got[0].Examples, patternExampleCap)
}

func TestDetectPatternsUUID(t *testing.T) {
	values := []string{
		"6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		"6BA7B811-9DAD-11D1-80B4-00C04FD430C8",
	}
	got := DetectPatterns(values)
	require.Len(t, got, 1)
	assert.Equal(t, PatternUUID, got[0].Name)
	assert.InDelta(t, 1.0, got[0].MatchRate, 1e-12)
}

func TestDetectPatternsSortsByRate(t *testing.T) {
	values := []string{
		"a@x.io", "b@x.io", "c@x.io", "d@x.io", "e@x.io", "f@x.io",
		"https://x.io/1", "https://x.io/2", "http://x.io/3", "https://x.io/4",
	}
	got := DetectPatterns(values)
	require.Len(t, got, 2)
	assert.Equal(t, PatternEmail, got[0].Name)
	assert.InDelta(t, 0.6, got[0].MatchRate, 1e-12)
	assert.Equal(t, PatternURL, got[1].Name)
	assert.InDelta(t, 0.4, got[1].MatchRate, 1e-12)
}

func TestDetectPatternsIPv4(t *testing.T) {
	got := DetectPatterns([]string{"10.0.0.1", "192.168.1.254", "8.8.8.8"})
	require.Len(t, got, 1)
	assert.Equal(t, PatternIPv4, got[0].Name)

	// Octets above 255 match the shape but fail validation.
	assert.Empty(t, DetectPatterns([]string{"999.1.1.1", "1.2.3.256"}))
}

func TestDetectPatternsCurrencyAllowlist(t *testing.T) {
	got := DetectPatterns([]string{"USD", "EUR", "GBP", "JPY"})
	require.Len(t, got, 1)
	assert.Equal(t, PatternISO4217, got[0].Name)

	// Arbitrary three-letter categories are not currencies.
	assert.Empty(t, DetectPatterns([]string{"FOO", "BAR", "BAZ"}))
}

func TestDetectPatternsUnixTimestamps(t *testing.T) {
	cases := map[string]string{
		"1700000000":          PatternUnixSeconds,
		"1700000000000":       PatternUnixMillis,
		"1700000000000000":    PatternUnixMicros,
		"1700000000000000000": PatternUnixNanos,
	}
	for value, want := range cases {
		got := DetectPatterns([]string{value})
		require.Len(t, got, 1, "value %q", value)
		assert.Equal(t, want, got[0].Name, "value %q", value)
	}
}

func TestDetectPatternsUnixSecondsOutOfRange(t *testing.T) {
	// Ten digits, but the year 2286. A raw digit-count match would
	// misread large numeric IDs as timestamps.
	assert.Empty(t, DetectPatterns([]string{"9999999999"}))
}

func TestDetectPatternsDate(t *testing.T) {
	got := DetectPatterns([]string{"2024-01-15", "2024-02-20"})
	require.Len(t, got, 1)
	assert.Equal(t, PatternDate, got[0].Name)
}

func TestDetectPatternsEmpty(t *testing.T) {
	assert.Nil(t, DetectPatterns(nil))
	assert.Nil(t, DetectPatterns([]string{}))
	assert.Empty(t, DetectPatterns([]string{"plain", "text"}))
}
