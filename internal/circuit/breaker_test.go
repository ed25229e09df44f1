package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		state State
		want  string
	}{
		{"closed", StateClosed, "CLOSED"},
		{"open", StateOpen, "OPEN"},
		{"half-open", StateHalfOpen, "HALF_OPEN"},
		{"unknown", State(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewCircuitBreakerDefaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("s3", Config{})

	if cb.name != "s3" {
		t.Errorf("name = %q, want %q", cb.name, "s3")
	}
	if cb.state != StateClosed {
		t.Errorf("initial state = %v, want %v", cb.state, StateClosed)
	}
	if cb.config.MaxRequests != 1 {
		t.Errorf("default MaxRequests = %d, want 1", cb.config.MaxRequests)
	}
	if cb.config.Interval != 60*time.Second {
		t.Errorf("default Interval = %v, want %v", cb.config.Interval, 60*time.Second)
	}
	if cb.config.Timeout != 60*time.Second {
		t.Errorf("default Timeout = %v, want %v", cb.config.Timeout, 60*time.Second)
	}
	if cb.config.ReadyToTrip == nil {
		t.Error("default ReadyToTrip should not be nil")
	}
	if cb.config.IsSuccessful == nil {
		t.Error("default IsSuccessful should not be nil")
	}
}

func TestNewCircuitBreakerCustomConfig(t *testing.T) {
	t.Parallel()

	config := Config{
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
	}

	cb := NewCircuitBreaker("local", config)

	if cb.config.MaxRequests != 5 {
		t.Errorf("MaxRequests = %d, want 5", cb.config.MaxRequests)
	}
	if cb.config.Interval != 10*time.Second {
		t.Errorf("Interval = %v, want %v", cb.config.Interval, 10*time.Second)
	}
	if cb.config.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want %v", cb.config.Timeout, 30*time.Second)
	}
}

func TestDefaultReadyToTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		counts   Counts
		wantTrip bool
	}{
		{"not enough calls yet", Counts{Requests: 10, TotalFailures: 5}, false},
		{"enough calls, failure rate below threshold", Counts{Requests: 20, TotalFailures: 8}, false},
		{"right at the 50% threshold", Counts{Requests: 20, TotalFailures: 10}, true},
		{"well above threshold", Counts{Requests: 100, TotalFailures: 60}, true},
		{"no traffic yet", Counts{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := defaultReadyToTrip(tt.counts); got != tt.wantTrip {
				t.Errorf("defaultReadyToTrip() = %v, want %v", got, tt.wantTrip)
			}
		})
	}
}

func TestDefaultIsSuccessful(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error from a Put is a success", nil, true},
		{"a backend error is a failure", errors.New("object not found"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := defaultIsSuccessful(tt.err); got != tt.want {
				t.Errorf("defaultIsSuccessful() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreakerExecuteSuccess(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("local", Config{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
	})

	calls := 0
	err := cb.Execute(func() error {
		calls++
		return nil
	})

	if err != nil {
		t.Errorf("Execute() error = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("backend call count = %d, want 1", calls)
	}

	counts := cb.GetCounts()
	if counts.Requests != 1 {
		t.Errorf("Requests = %d, want 1", counts.Requests)
	}
	if counts.TotalSuccesses != 1 {
		t.Errorf("TotalSuccesses = %d, want 1", counts.TotalSuccesses)
	}
}

func TestCircuitBreakerExecuteFailure(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("local", Config{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
	})

	putErr := errors.New("connection refused")
	err := cb.Execute(func() error {
		return putErr
	})

	if err != putErr {
		t.Errorf("Execute() error = %v, want %v", err, putErr)
	}

	counts := cb.GetCounts()
	if counts.TotalFailures != 1 {
		t.Errorf("TotalFailures = %d, want 1", counts.TotalFailures)
	}
}

// TestCircuitBreakerTripsAndRecovers walks a breaker through the full cycle
// a flapping S3 endpoint would drive it through: enough consecutive failures
// to open, the timeout elapsing into half-open, then a successful probe
// closing it again.
func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var transitions []string

	cb := NewCircuitBreaker("s3", Config{
		MaxRequests: 2,
		Interval:    100 * time.Millisecond,
		Timeout:     100 * time.Millisecond,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from State, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	if cb.GetState() != StateClosed {
		t.Errorf("initial state = %v, want %v", cb.GetState(), StateClosed)
	}

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error {
			return errors.New("dial tcp: i/o timeout")
		})
	}

	if cb.GetState() != StateOpen {
		t.Errorf("state after 3 consecutive backend timeouts = %v, want %v", cb.GetState(), StateOpen)
	}

	time.Sleep(150 * time.Millisecond)

	if cb.GetState() != StateHalfOpen {
		t.Errorf("state after timeout elapsed = %v, want %v", cb.GetState(), StateHalfOpen)
	}

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("probe request in half-open failed: %v", err)
	}

	if cb.GetState() != StateClosed {
		t.Errorf("state after successful probe = %v, want %v", cb.GetState(), StateClosed)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) < 2 {
		t.Errorf("expected at least 2 state transitions, got %d: %v", len(transitions), transitions)
	}
}

func TestCircuitBreakerOpenStateRejectsCalls(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("s3", Config{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	})

	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error {
			return errors.New("503 slow down")
		})
	}

	calls := 0
	err := cb.Execute(func() error {
		calls++
		return nil
	})

	if err != ErrOpenState {
		t.Errorf("Execute() error = %v, want %v", err, ErrOpenState)
	}
	if calls != 0 {
		t.Error("the wrapped backend call should not run while the breaker is open")
	}
}

func TestCircuitBreakerHalfOpenLimitsConcurrentProbes(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("s3", Config{
		MaxRequests: 1,
		Interval:    50 * time.Millisecond,
		Timeout:     50 * time.Millisecond,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})

	_ = cb.Execute(func() error {
		return errors.New("failure")
	})

	time.Sleep(100 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started

	err := cb.Execute(func() error { return nil })

	close(release)

	if err != ErrTooManyRequests {
		t.Errorf("second concurrent probe error = %v, want %v", err, ErrTooManyRequests)
	}
}

func TestCircuitBreakerExecuteWithFallback(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("s3", Config{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})

	_ = cb.Execute(func() error {
		return errors.New("failure")
	})

	fellBack := false
	err, usedFallback := cb.ExecuteWithFallback(
		func() error { return nil },
		func() error {
			fellBack = true
			return nil
		},
	)

	if err != nil {
		t.Errorf("ExecuteWithFallback() error = %v, want nil", err)
	}
	if !usedFallback {
		t.Error("usedFallback = false, want true")
	}
	if !fellBack {
		t.Error("fallback (e.g. serving a cached block) was not invoked")
	}
}

func TestCircuitBreakerExecuteWithContext(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("local", Config{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
	})

	ctx := context.Background()
	sawCtx := false

	err := cb.ExecuteWithContext(ctx, func(received context.Context) error {
		if received == ctx {
			sawCtx = true
		}
		return nil
	})

	if err != nil {
		t.Errorf("ExecuteWithContext() error = %v, want nil", err)
	}
	if !sawCtx {
		t.Error("the caller's context was not threaded through to the wrapped call")
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("s3", Config{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})

	_ = cb.Execute(func() error {
		return errors.New("failure")
	})

	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v, want %v", cb.GetState(), StateOpen)
	}

	cb.Reset()

	if cb.GetState() != StateClosed {
		t.Errorf("state after Reset() = %v, want %v", cb.GetState(), StateClosed)
	}

	counts := cb.GetCounts()
	if counts.Requests != 0 || counts.TotalFailures != 0 {
		t.Errorf("counts after Reset() = %+v, want all zero", counts)
	}
}

func TestCircuitBreakerName(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("s3-us-west-2", Config{})
	if cb.Name() != "s3-us-west-2" {
		t.Errorf("Name() = %q, want %q", cb.Name(), "s3-us-west-2")
	}
}

func TestCountsOperations(t *testing.T) {
	t.Parallel()

	var counts Counts

	counts.onRequest()
	if counts.Requests != 1 {
		t.Errorf("Requests = %d, want 1", counts.Requests)
	}
	if counts.LastActivity.IsZero() {
		t.Error("LastActivity not set after onRequest")
	}

	counts.onSuccess()
	if counts.TotalSuccesses != 1 {
		t.Errorf("TotalSuccesses = %d, want 1", counts.TotalSuccesses)
	}
	if counts.ConsecutiveSuccesses != 1 {
		t.Errorf("ConsecutiveSuccesses = %d, want 1", counts.ConsecutiveSuccesses)
	}
	if counts.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", counts.ConsecutiveFailures)
	}

	counts.onFailure()
	if counts.TotalFailures != 1 {
		t.Errorf("TotalFailures = %d, want 1", counts.TotalFailures)
	}
	if counts.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", counts.ConsecutiveFailures)
	}
	if counts.ConsecutiveSuccesses != 0 {
		t.Errorf("ConsecutiveSuccesses = %d, want 0 after a failure", counts.ConsecutiveSuccesses)
	}

	counts.clear()
	if counts.Requests != 0 || counts.TotalSuccesses != 0 || counts.TotalFailures != 0 {
		t.Error("counts not fully cleared")
	}
	if !counts.LastActivity.IsZero() {
		t.Error("LastActivity not cleared")
	}
}

func TestCircuitBreakerConcurrentCalls(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("local", Config{
		MaxRequests: 100,
		Interval:    time.Minute,
		Timeout:     time.Minute,
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(func() error {
				time.Sleep(time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := cb.GetCounts().Requests; got != 10 {
		t.Errorf("Requests after concurrent calls = %d, want 10", got)
	}
}
