package deathrecord

import (
	"math"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// DateParser is one strategy for reading a death date string. It reports
// false when the string is not in its format.
type DateParser func(s string) (time.Time, bool)

// DateChain tries its parsers in order and returns the first success.
type DateChain []DateParser

// Parse returns the first successful parse, or false when every strategy
// rejects s.
func (c DateChain) Parse(s string) (time.Time, bool) {
	for _, p := range c {
		if t, ok := p(s); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// Layout returns a strategy that parses s with time.Parse. Zone-less input
// is read as UTC.
func Layout(layout string) DateParser {
	return func(s string) (time.Time, bool) {
		t, err := time.Parse(layout, s)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
}

// Generic returns a strategy accepting most human date formats. Input
// without a zone is interpreted in loc.
func Generic(loc *time.Location) DateParser {
	return func(s string) (time.Time, bool) {
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, false
		}
		t, err := dateparse.ParseIn(s, loc)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
}

// DefaultDateChain accepts "YYYY-MM-DD HH:MM:SS" and "MM/DD/YYYY HH:MM" with
// or without zero padding, then falls back to the generic parser.
var DefaultDateChain = DateChain{
	Layout("2006-1-2 15:4:5"),
	Layout("1/2/2006 15:4"),
	Generic(time.UTC),
}

// fromEpochMillis converts milliseconds since the Unix epoch to a UTC time,
// rounded to the microsecond. Values that do not land in years 1..9999 are
// rejected.
func fromEpochMillis(ms float64) (time.Time, bool) {
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return time.Time{}, false
	}
	micros := math.Round(ms * 1000)
	if micros >= math.MaxInt64 || micros <= math.MinInt64 {
		return time.Time{}, false
	}
	t := time.UnixMicro(int64(micros)).UTC()
	if !inYearRange(t) {
		return time.Time{}, false
	}
	return t, true
}

// inYearRange reports whether t falls in years 1..9999, the range a FHIR
// dateTime can carry. Parsers that find no year leave it at 0.
func inYearRange(t time.Time) bool {
	return t.Year() >= 1 && t.Year() <= 9999
}
