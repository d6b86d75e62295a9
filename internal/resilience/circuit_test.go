package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/webcheck/internal/model"
)

var errFlaky = NewTransientError(errors.New("flaky"), 503)

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker("navigator", CircuitBreakerConfig{
		FailureThreshold: threshold,
		Window:           time.Minute,
		Cooldown:         cooldown,
		MaxCooldown:      4 * cooldown,
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cb.nowFunc = func() time.Time { return now }
	return cb, &now
}

// execute dispatches fn through cb the way the orchestrator does.
func execute(cb *CircuitBreaker, fn func() error) error {
	t, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	t.Done(err)
	return err
}

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = execute(cb, func() error { return errFlaky })
	}
}

func TestCircuitBreaker_ClosedState_PassesThrough(t *testing.T) {
	cb := NewCircuitBreaker("extractor", DefaultCircuitBreakerConfig())

	var calls int
	err := execute(cb, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(5, time.Second)

	failN(cb, 5)

	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state after 5 failures, got %s", cb.State())
	}

	// The sixth dispatch must fail fast without touching the collaborator.
	err := execute(cb, func() error {
		t.Error("should not be called when circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if Classify(err) != KindRejected {
		t.Errorf("expected rejected kind, got %s", Classify(err))
	}
}

func TestCircuitBreaker_SuccessResetsStreak(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	failN(cb, 2)
	if s := cb.Snapshot(); s.ConsecutiveFailures != 2 || s.State != "closed" {
		t.Fatalf("unexpected snapshot %+v", s)
	}

	_ = execute(cb, func() error { return nil })
	if s := cb.Snapshot(); s.ConsecutiveFailures != 0 {
		t.Errorf("expected streak reset, got %d", s.ConsecutiveFailures)
	}

	failN(cb, 2)
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_WindowRestartsStreak(t *testing.T) {
	cb, now := newTestBreaker(3, time.Second)

	failN(cb, 2)
	*now = now.Add(2 * time.Minute)
	failN(cb, 2)

	if cb.State() != CircuitClosed {
		t.Errorf("failures outside the window should not open the circuit, got %s", cb.State())
	}
	failN(cb, 1)
	if cb.State() != CircuitOpen {
		t.Errorf("expected open state, got %s", cb.State())
	}
}

func TestCircuitBreaker_FatalAndConfigErrorsDoNotTrip(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Second)

	for i := 0; i < 5; i++ {
		_ = execute(cb, func() error {
			return NewFatalError(errors.New("404"), 404)
		})
		_ = execute(cb, func() error {
			return NewConfigurationError("missing placeholder %q", "id")
		})
		_ = execute(cb, func() error {
			return ErrResourceUnavailable
		})
		_ = execute(cb, func() error {
			return eris.Wrap(ErrDraining, "limiter: closed to new admissions")
		})
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	cb, now := newTestBreaker(2, time.Second)
	failN(cb, 2)

	*now = now.Add(time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", cb.State())
	}

	err := execute(cb, func() error { return nil })
	if err != nil {
		t.Fatalf("trial should be allowed: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful trial, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenSerializesTrial(t *testing.T) {
	cb, now := newTestBreaker(2, time.Second)
	failN(cb, 2)
	*now = now.Add(time.Second)

	trial, err := cb.Allow()
	if err != nil {
		t.Fatalf("first caller should get the trial: %v", err)
	}
	if !trial.Trial() {
		t.Fatal("expected trial ticket")
	}

	_, err = cb.Allow()
	if !errors.Is(err, ErrCircuitHalfOpenBusy) {
		t.Fatalf("expected ErrCircuitHalfOpenBusy, got %v", err)
	}

	trial.Done(nil)
	trial.Done(errFlaky) // second Done is ignored
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_ConcurrentTrialExactlyOne(t *testing.T) {
	cb, now := newTestBreaker(1, time.Second)
	failN(cb, 1)
	*now = now.Add(time.Second)

	var granted, busy atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := execute(cb, func() error {
				granted.Add(1)
				<-release
				return nil
			})
			if errors.Is(err, ErrCircuitHalfOpenBusy) {
				busy.Add(1)
			}
		}()
	}
	// Wait until every caller either holds the trial or was rejected.
	deadline := time.Now().Add(2 * time.Second)
	for granted.Load()+busy.Load() < 8 && time.Now().Before(deadline) {
		if granted.Load() == 1 && busy.Load() == 7 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if granted.Load() != 1 {
		t.Errorf("expected exactly one trial, got %d", granted.Load())
	}
	if busy.Load() != 7 {
		t.Errorf("expected 7 busy rejections, got %d", busy.Load())
	}
}

func TestCircuitBreaker_FailedTrialDoublesCooldown(t *testing.T) {
	cb, now := newTestBreaker(1, time.Second)
	failN(cb, 1)

	for _, want := range []time.Duration{2 * time.Second, 4 * time.Second, 4 * time.Second} {
		*now = now.Add(cb.Snapshot().Cooldown)
		failN(cb, 1) // failed trial
		s := cb.Snapshot()
		if s.State != "open" {
			t.Fatalf("expected open after failed trial, got %s", s.State)
		}
		if s.Cooldown != want {
			t.Errorf("cooldown = %s, want %s", s.Cooldown, want)
		}
		if !s.CooldownUntil.Equal(now.Add(want)) {
			t.Errorf("cooldownUntil = %s, want %s", s.CooldownUntil, now.Add(want))
		}
	}

	*now = now.Add(4 * time.Second)
	_ = execute(cb, func() error { return nil })
	if s := cb.Snapshot(); s.State != "closed" || s.Cooldown != time.Second {
		t.Errorf("successful trial should reset cooldown, got %+v", s)
	}
}

func TestCircuitBreaker_CanceledTrialFreesSlot(t *testing.T) {
	cb, now := newTestBreaker(1, time.Second)
	failN(cb, 1)
	*now = now.Add(time.Second)

	_ = execute(cb, func() error { return context.Canceled })
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("canceled trial should leave circuit half-open, got %s", cb.State())
	}
	if _, err := cb.Allow(); err != nil {
		t.Errorf("next caller should get a fresh trial: %v", err)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker("validator", CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Second,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cb.nowFunc = func() time.Time { return now }

	failN(cb, 1)
	now = now.Add(time.Second)
	_ = execute(cb, func() error { return nil })

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestRoleBreakers_GetOrCreate(t *testing.T) {
	var changes atomic.Int32
	rb := NewRoleBreakers(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Minute},
		func(role model.Role, _, _ CircuitState) {
			if role == model.RoleOCRSpecialist {
				changes.Add(1)
			}
		})

	a := rb.Get(model.RoleOCRSpecialist)
	b := rb.Get(model.RoleOCRSpecialist)
	if a != b {
		t.Error("expected same breaker instance")
	}
	if a.Name() != "ocr_specialist" {
		t.Errorf("unexpected name %q", a.Name())
	}

	failN(a, 1)
	rb.Get(model.RoleNavigator)

	states := rb.States()
	if states[model.RoleOCRSpecialist] != CircuitOpen || states[model.RoleNavigator] != CircuitClosed {
		t.Errorf("unexpected states %v", states)
	}
	if changes.Load() != 1 {
		t.Errorf("expected 1 state change callback, got %d", changes.Load())
	}
	snaps := rb.Snapshots()
	if len(snaps) != 2 || snaps[0].Name != "navigator" {
		t.Errorf("unexpected snapshots %+v", snaps)
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := map[CircuitState]string{
		CircuitClosed:   "closed",
		CircuitOpen:     "open",
		CircuitHalfOpen: "half-open",
		CircuitState(9): "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
