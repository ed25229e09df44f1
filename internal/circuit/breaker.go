// Package circuit implements the breaker that internal/backend.Resilient
// wraps around every transport call: once a backend starts failing
// consistently the breaker stops dialing it for a cooldown period instead of
// letting every blocked-cache upload or metadata fetch pile up retrying a
// dead endpoint, then lets a trickle of probe requests back through to see
// whether it has recovered.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is one of the three states a breaker moves through: requests flow
// normally (Closed), are rejected outright (Open), or a limited number are
// let through to probe whether the backend has recovered (HalfOpen).
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes one backend's breaker. internal/backend.NewResilient builds
// one of these per mount from the configuration file's backend.breaker
// section; ReadyToTrip/IsSuccessful are left nil there so the defaults below
// apply unless a caller (tests, mostly) overrides them.
type Config struct {
	// MaxRequests caps how many calls are allowed through while half-open;
	// one success-to-close probe is the usual choice for a backend that can
	// only be exercised by real Get/Put/Delete traffic.
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval is how often a Closed breaker resets its failure counters,
	// so a backend with an old, unrelated failure spike isn't held to it
	// forever.
	Interval time.Duration `yaml:"interval"`

	// Timeout is how long an Open breaker waits before trying HalfOpen.
	Timeout time.Duration `yaml:"timeout"`

	// ReadyToTrip decides, from the running Counts, whether the breaker
	// should move Closed -> Open. Defaults to defaultReadyToTrip.
	ReadyToTrip func(counts Counts) bool `yaml:"-"`

	// OnStateChange is called after every transition, named by backend
	// (e.g. "s3", "local"); internal/engine wires this to its logger so a
	// tripped backend shows up in the mount's structured log.
	OnStateChange func(name string, from State, to State) `yaml:"-"`

	// IsSuccessful decides whether an error returned from the wrapped call
	// counts as a breaker failure. Defaults to treating any non-nil error
	// as a failure; internal/backend leaves this at the default, since a
	// retry.Retryer has already absorbed the merely-transient errors by
	// the time the breaker sees the result.
	IsSuccessful func(err error) bool `yaml:"-"`
}

// Counts accumulates request outcomes for the breaker's current window.
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

func (c *Counts) onRequest() {
	c.Requests++
	c.LastActivity = time.Now()
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	*c = Counts{}
}

// CircuitBreaker guards calls to one backend transport. internal/backend
// constructs exactly one per mount (a filesystem has a single configured
// backend), keyed by a name ("s3", "local") used only for logging.
type CircuitBreaker struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// NewCircuitBreaker builds a breaker in the Closed state, filling in the
// same defaults internal/backend.NewResilient relies on when a
// configuration file leaves the breaker section unset.
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = defaultReadyToTrip
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = defaultIsSuccessful
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
}

// defaultReadyToTrip trips after at least 20 calls in the window with at
// least half failing, enough traffic to distinguish a flaky backend from a
// genuinely down one, since a single failed Get shouldn't stop every other
// block fetch in flight.
func defaultReadyToTrip(counts Counts) bool {
	return counts.Requests >= 20 &&
		float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
}

func defaultIsSuccessful(err error) bool {
	return err == nil
}

// Execute runs fn if the breaker allows it, with no fallback.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	err, _ := cb.ExecuteWithFallback(fn, nil)
	return err
}

// ExecuteWithFallback runs fn if the breaker allows it; otherwise, if
// fallback is non-nil, runs that instead (e.g. serving a cached block
// without hitting a tripped backend). The bool return reports whether the
// fallback path was taken.
func (cb *CircuitBreaker) ExecuteWithFallback(fn func() error, fallback func() error) (error, bool) {
	if err := cb.beforeRequest(); err != nil {
		if fallback != nil {
			return fallback(), true
		}
		return err, false
	}

	err := fn()
	cb.afterRequest(err)
	return err, false
}

// ExecuteWithContext is what internal/backend.Resilient calls for every
// Lookup/Get/Put/Delete/List/Copy/Rename: it wraps the retryer's call so a
// backend that keeps timing out across its retry budget trips the breaker
// rather than letting callers queue up behind a dead transport.
func (cb *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)

	if state == StateOpen {
		return ErrOpenState
	}

	if state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests {
		return ErrTooManyRequests
	}

	cb.counts.onRequest()
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)

	if cb.config.IsSuccessful(err) {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	cb.counts.onSuccess()

	if state == StateHalfOpen {
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	cb.counts.onFailure()

	switch state {
	case StateClosed:
		if cb.config.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

// currentState advances the breaker's internal clock: a Closed breaker past
// its Interval clears its counters, an Open breaker past its Timeout moves
// to HalfOpen to probe the backend again.
func (cb *CircuitBreaker) currentState(now time.Time) (State, time.Time) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.counts.clear()
			cb.expiry = now.Add(cb.config.Interval)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.expiry
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.counts.clear()

	switch state {
	case StateClosed:
		cb.expiry = now.Add(cb.config.Interval)
	case StateOpen:
		cb.expiry = now.Add(cb.config.Timeout)
	case StateHalfOpen:
		cb.expiry = time.Time{}
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}
}

// GetState reports the breaker's current state, advancing its clock first
// so a caller never sees a stale Open when the timeout has already elapsed.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.currentState(time.Now())
	return state
}

// GetCounts returns a snapshot of the current window's counters.
func (cb *CircuitBreaker) GetCounts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.counts
}

// Reset forces the breaker back to Closed with empty counters. Used by adm
// to clear a tripped backend after an operator has confirmed it recovered.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.clear()
	cb.setState(StateClosed, time.Now())
}

// Name returns the breaker's backend label ("s3", "local", ...).
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

var (
	// ErrOpenState is returned by Execute/ExecuteWithContext while the
	// breaker is Open; internal/backend surfaces this to callers as a
	// retryable backend error rather than a permanent failure.
	ErrOpenState = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when a HalfOpen breaker's probe slots
	// are already in use.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)
