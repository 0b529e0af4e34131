package types

import (
	"fmt"
	"strings"
	"time"
)

// Granularity is a statistics bucketing resolution.
type Granularity int

const (
	Hour Granularity = iota
	Day
	Month
	Year
)

// Granularities lists every resolution updated for each stored event.
var Granularities = []Granularity{Hour, Day, Month, Year}

// String returns the lower-case name of the granularity.
func (g Granularity) String() string {
	switch g {
	case Hour:
		return "hour"
	case Day:
		return "day"
	case Month:
		return "month"
	case Year:
		return "year"
	default:
		return fmt.Sprintf("unknown(%d)", int(g))
	}
}

// Tag returns the single byte used for this granularity in storage keys.
func (g Granularity) Tag() byte {
	switch g {
	case Hour:
		return 'h'
	case Day:
		return 'd'
	case Month:
		return 'm'
	default:
		return 'y'
	}
}

// ParseGranularity parses a granularity name, case-insensitively.
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(s) {
	case "hour", "hourly", "h":
		return Hour, nil
	case "day", "daily", "d":
		return Day, nil
	case "month", "monthly", "m":
		return Month, nil
	case "year", "yearly", "y":
		return Year, nil
	default:
		return 0, fmt.Errorf("unknown granularity %q (must be hour, day, month or year)", s)
	}
}

// Truncate rounds ms down to the start of its hour, day, month or year (UTC).
func (g Granularity) Truncate(ms int64) int64 {
	ts := time.UnixMilli(ms).UTC()
	y, m, d := ts.Date()
	switch g {
	case Hour:
		return time.Date(y, m, d, ts.Hour(), 0, 0, 0, time.UTC).UnixMilli()
	case Day:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).UnixMilli()
	case Month:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	default:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	}
}

// Next returns ms advanced by exactly one period.
func (g Granularity) Next(ms int64) int64 {
	ts := time.UnixMilli(ms).UTC()
	switch g {
	case Hour:
		return ts.Add(time.Hour).UnixMilli()
	case Day:
		return ts.AddDate(0, 0, 1).UnixMilli()
	case Month:
		return ts.AddDate(0, 1, 0).UnixMilli()
	default:
		return ts.AddDate(1, 0, 0).UnixMilli()
	}
}

// MaxLookback returns the earliest start a read ending at to may use, and
// whether the granularity is bounded at all. HOUR reads cover at most one year
// and DAY reads at most five years; MONTH and YEAR are unbounded.
func (g Granularity) MaxLookback(to int64) (int64, bool) {
	ts := time.UnixMilli(to).UTC()
	switch g {
	case Hour:
		return ts.AddDate(-1, 0, 0).UnixMilli(), true
	case Day:
		return ts.AddDate(-5, 0, 0).UnixMilli(), true
	default:
		return 0, false
	}
}
