package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/raakeshmj/keygate/internal/limiter"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

type State int

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "closed"
}

// CircuitBreaker trips after failureThreshold consecutive failures and stays
// open for timeout. The first call after that is a half-open trial; it closes
// the breaker after successThreshold successes or reopens it on any failure.
type CircuitBreaker struct {
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	now              func() time.Time
	onChange         func(from, to State)

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
}

type Option func(*CircuitBreaker)

func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// OnStateChange is called with the lock released.
func OnStateChange(fn func(from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

func New(failureThreshold, successThreshold int, timeout time.Duration, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		failureThreshold: max(failureThreshold, 1),
		successThreshold: max(successThreshold, 1),
		timeout:          timeout,
		now:              time.Now,
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.timeout {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs action unless the breaker is open. Cancellation of ctx is not
// counted against the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, action func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := action()
	if err != nil && ctx.Err() != nil {
		cb.release()
		return err
	}
	cb.report(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		// One trial at a time.
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) report(err error) {
	cb.mu.Lock()
	from := cb.state
	cb.probing = false

	if err != nil {
		cb.successes = 0
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
			cb.state = StateOpen
			cb.openedAt = cb.now()
			cb.failures = 0
		}
	} else {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.successThreshold {
				cb.state = StateClosed
				cb.successes = 0
			}
		}
	}

	to := cb.state
	cb.mu.Unlock()

	if from != to && cb.onChange != nil {
		cb.onChange(from, to)
	}
}

// GuardedStore fails fast with ErrCircuitOpen while the window store is
// unhealthy, so the failure strategy applies without waiting on timeouts.
type GuardedStore struct {
	next    limiter.Store
	breaker *CircuitBreaker
}

func Guard(next limiter.Store, breaker *CircuitBreaker) *GuardedStore {
	return &GuardedStore{next: next, breaker: breaker}
}

func (g *GuardedStore) Reserve(ctx context.Context, key string, limits []limiter.Limit, now time.Time) (limiter.Decision, error) {
	var d limiter.Decision
	err := g.breaker.Execute(ctx, func() error {
		var err error
		d, err = g.next.Reserve(ctx, key, limits, now)
		return err
	})
	return d, err
}

var _ limiter.Store = (*GuardedStore)(nil)
