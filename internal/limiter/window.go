package limiter

import (
	"fmt"
	"time"
)

// Granularity names a rate-limit accounting period.
type Granularity string

const (
	Minute Granularity = "minute"
	Hour   Granularity = "hour"
	Day    Granularity = "day"
)

// ParseGranularity maps a string onto the closed set of granularities.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(s); g {
	case Minute, Hour, Day:
		return g, nil
	}
	return "", fmt.Errorf("unknown rate limit granularity %q", s)
}

// WindowFor returns the length of a window of granularity g.
// Unknown granularities fall back to one minute.
func WindowFor(g Granularity) time.Duration {
	switch g {
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// ResetAt returns the next clock-aligned boundary after now, in UTC.
// Enforcement is sliding; this value is only reported to clients.
func ResetAt(g Granularity, now time.Time) time.Time {
	now = now.UTC()
	switch g {
	case Hour:
		return now.Truncate(time.Hour).Add(time.Hour)
	case Day:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	default:
		return now.Truncate(time.Minute).Add(time.Minute)
	}
}
