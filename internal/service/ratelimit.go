package service

import (
	"math"
	"time"

	"github.com/raakeshmj/keygate/internal/db"
	"github.com/raakeshmj/keygate/internal/limiter"
)

const (
	LimitRequestsPerMinute = "requests_per_minute"
	LimitTokensPerMinute   = "tokens_per_minute"
	LimitRequestsPerDay    = "requests_per_day"
)

type limitDef struct {
	name        string
	granularity limiter.Granularity
	message     string
}

// limitDefs is the check order; the first exceeded limit is reported.
var limitDefs = []limitDef{
	{LimitRequestsPerMinute, limiter.Minute, "Requests per minute limit exceeded"},
	{LimitTokensPerMinute, limiter.Minute, "Tokens per minute limit exceeded"},
	{LimitRequestsPerDay, limiter.Day, "Requests per day limit exceeded"},
}

// LimitStatus is the state of one configured limit after a reservation.
// ResetAt is the next clock boundary of the limit's granularity and is
// informational; enforcement uses a trailing window.
type LimitStatus struct {
	Max       int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// RateLimitResult is the outcome of a rate limit reservation.
type RateLimitResult struct {
	Allowed           bool                   `json:"allowed"`
	Reason            string                 `json:"reason,omitempty"`
	Exceeded          string                 `json:"exceeded,omitempty"`
	RemainingRequests *int64                 `json:"remaining_requests,omitempty"`
	Limits            map[string]LimitStatus `json:"limits,omitempty"`
	// RetryAfter is set on denial: whole seconds until the trailing window
	// of the exceeded limit has room again.
	RetryAfter int64 `json:"retry_after,omitempty"`
}

// Primary picks the limit to advertise in response headers: the exceeded one,
// else the tightest request window configured.
func (r *RateLimitResult) Primary() (string, LimitStatus, bool) {
	if r == nil {
		return "", LimitStatus{}, false
	}
	if st, ok := r.Limits[r.Exceeded]; ok {
		return r.Exceeded, st, true
	}
	for _, d := range limitDefs {
		if st, ok := r.Limits[d.name]; ok {
			return d.name, st, true
		}
	}
	return "", LimitStatus{}, false
}

// buildLimits turns a key's configuration into store limits. The token limit
// is charged only when the request carries an estimate.
func buildLimits(rl *db.RateLimits, estimatedTokens int64) []limiter.Limit {
	if rl == nil {
		return nil
	}
	var limits []limiter.Limit
	for _, d := range limitDefs {
		ceiling, cost := int64(0), int64(1)
		switch d.name {
		case LimitRequestsPerMinute:
			ceiling = rl.RequestsPerMinute
		case LimitTokensPerMinute:
			ceiling, cost = rl.TokensPerMinute, estimatedTokens
		case LimitRequestsPerDay:
			ceiling = rl.RequestsPerDay
		}
		if ceiling <= 0 || cost <= 0 {
			continue
		}
		limits = append(limits, limiter.Limit{
			Name:   d.name,
			Window: limiter.WindowFor(d.granularity),
			Max:    ceiling,
			Cost:   cost,
		})
	}
	return limits
}

func toRateLimitResult(d limiter.Decision, limits []limiter.Limit, now time.Time) *RateLimitResult {
	res := &RateLimitResult{
		Allowed:  d.Allowed,
		Exceeded: d.Exceeded,
		Limits:   make(map[string]LimitStatus, len(d.Remaining)),
	}
	if !d.Allowed {
		res.RetryAfter = max(int64(math.Ceil(d.RetryAfter.Seconds())), 1)
	}
	for _, def := range limitDefs {
		remaining, ok := d.Remaining[def.name]
		if !ok {
			continue
		}
		var ceiling int64
		for _, l := range limits {
			if l.Name == def.name {
				ceiling = l.Max
			}
		}
		res.Limits[def.name] = LimitStatus{
			Max:       ceiling,
			Remaining: remaining,
			ResetAt:   limiter.ResetAt(def.granularity, now),
		}
		if def.name == d.Exceeded {
			res.Reason = def.message
		}
	}
	for _, name := range []string{LimitRequestsPerMinute, LimitRequestsPerDay} {
		if st, ok := res.Limits[name]; ok {
			n := st.Remaining
			res.RemainingRequests = &n
			break
		}
	}
	return res
}
