package logs

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Window is the requested [Start, End) range. Zero values mean "no lower
// bound" and "now" respectively.
type Window struct {
	Start time.Time
	End   time.Time
}

// Bounds normalizes the window to UTC epoch seconds.
func (w Window) Bounds(now time.Time) (start, end float64) {
	s, e := w.Start, w.End
	if e.IsZero() {
		e = now
	}
	if s.IsZero() {
		s = time.Unix(0, 0)
	}
	return ToUnix(s), ToUnix(e)
}

// ToUnix converts t to fractional seconds since the epoch.
func ToUnix(t time.Time) float64 {
	t = t.UTC()
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// FromUnix converts fractional epoch seconds to a UTC time.
func FromUnix(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTime parses an ISO 8601 timestamp. Values with an explicit offset
// are converted to UTC; values without one are taken to be UTC already.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q: expected ISO 8601", s)
}
