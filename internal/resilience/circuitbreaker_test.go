package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newBreaker(clk *fakeClock, maxFailures, halfOpenMax int) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  maxFailures,
		ResetTimeout: 10 * time.Second,
		HalfOpenMax:  halfOpenMax,
		Now:          clk.Now,
	})
}

func fail() error    { return errTest }
func succeed() error { return nil }

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.cfg.MaxFailures != 5 {
		t.Errorf("MaxFailures = %d, want 5", cb.cfg.MaxFailures)
	}
	if cb.cfg.ResetTimeout != 30*time.Second {
		t.Errorf("ResetTimeout = %v, want 30s", cb.cfg.ResetTimeout)
	}
	if cb.cfg.HalfOpenMax != 3 {
		t.Errorf("HalfOpenMax = %d, want 3", cb.cfg.HalfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedToOpen(t *testing.T) {
	t.Parallel()
	cb := newBreaker(newFakeClock(), 3, 1)

	for range 3 {
		if err := cb.Execute(fail); !errors.Is(err, errTest) {
			t.Fatalf("Execute() = %v, want errTest", err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn called while open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	cb := newBreaker(newFakeClock(), 3, 1)

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	_ = cb.Execute(succeed)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed (success resets the count)", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenToClosed(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	cb := newBreaker(clk, 2, 2)

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	clk.Advance(9 * time.Second)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open before the reset timeout", cb.State())
	}
	clk.Advance(time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after the reset timeout", cb.State())
	}

	for i := range 2 {
		if err := cb.Execute(succeed); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probes", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenToOpen(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	cb := newBreaker(clk, 2, 3)

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	clk.Advance(10 * time.Second)

	if err := cb.Execute(fail); !errors.Is(err, errTest) {
		t.Fatalf("probe error = %v, want errTest", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after a failed probe", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbeBudget(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	cb := newBreaker(clk, 1, 1)

	_ = cb.Execute(fail)
	clk.Advance(10 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe: got %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	t.Parallel()
	cb := newBreaker(newFakeClock(), 1, 1)

	canceled := fmt.Errorf("stt: %w", context.Canceled)
	if err := cb.Execute(func() error { return canceled }); !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() = %v, want context.Canceled", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after a cancellation", cb.State())
	}

	// A deadline is the vendor being slow and does count.
	_ = cb.Execute(func() error { return context.DeadlineExceeded })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after a timeout", cb.State())
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
