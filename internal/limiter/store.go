package limiter

import (
	"context"
	"time"
)

// Limit is one sliding-window constraint. The weighted sum of entries inside
// (now-Window, now] plus Cost must not exceed Max.
type Limit struct {
	Name   string
	Window time.Duration
	Max    int64
	Cost   int64
}

// Decision is the outcome of a reservation.
type Decision struct {
	Allowed bool
	// Exceeded names the first limit that denied the request.
	Exceeded string
	// Remaining is the capacity left per limit name after this reservation.
	Remaining map[string]int64
	// RetryAfter is, on denial, how long until the trailing window of the
	// exceeded limit has room for the request again.
	RetryAfter time.Duration
}

// Store reserves capacity for a single key. A reservation is atomic across all
// given limits: either every limit records the request or none does.
type Store interface {
	Reserve(ctx context.Context, key string, limits []Limit, now time.Time) (Decision, error)
}
