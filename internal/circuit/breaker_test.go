package circuit

import (
	"context"
	"testing"
	"time"

	"github.com/objectfs/cloudvol/pkg/errors"
)

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		state State
		want  string
	}{
		{"Closed state", StateClosed, "CLOSED"},
		{"Open state", StateOpen, "OPEN"},
		{"Half-open state", StateHalfOpen, "HALF_OPEN"},
		{"Unknown state", State(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("State.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewBreaker("s3", Config{})
	if cb.Name() != "s3" {
		t.Errorf("Name() = %q, want %q", cb.Name(), "s3")
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want %v", cb.State(), StateClosed)
	}
	if cb.config.FailureThreshold != 5 {
		t.Errorf("default FailureThreshold = %d, want 5", cb.config.FailureThreshold)
	}
	if cb.config.Timeout != 30*time.Second {
		t.Errorf("default Timeout = %v, want 30s", cb.config.Timeout)
	}
}

func transient() error { return errors.NewError(errors.ErrCodeServerError, "500") }

func TestBreaker_TripsOnConsecutiveTransientFailures(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	var transitions []State
	cb := NewBreaker("s3", Config{
		FailureThreshold: 3,
		Timeout:          10 * time.Second,
		OnStateChange:    func(_ string, _, to State) { transitions = append(transitions, to) },
	})
	cb.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func(context.Context) error { return transient() })
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	if called {
		t.Error("function ran while circuit open")
	}
	if errors.CodeOf(err) != errors.ErrCodeServiceUnavailable || !errors.IsTerminal(err) {
		t.Errorf("open circuit error = %v, want terminal SERVICE_UNAVAILABLE", err)
	}

	now = now.Add(11 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state after timeout = %v, want HALF_OPEN", cb.State())
	}
	if err := cb.Execute(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state after successful probe = %v, want CLOSED", cb.State())
	}

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_IgnoresNonTransientErrors(t *testing.T) {
	t.Parallel()

	cb := NewBreaker("azure", Config{FailureThreshold: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func(context.Context) error {
			return errors.NewError(errors.ErrCodeObjectNotFound, "missing")
		})
		_ = cb.Execute(ctx, func(context.Context) error {
			return errors.NewError(errors.ErrCodeAccessDenied, "denied")
		})
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", cb.State())
	}
	if c := cb.Counts(); c.TotalFailures != 0 || c.TotalSuccesses != 10 {
		t.Errorf("counts = %+v", c)
	}
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cb := NewBreaker("s3", Config{FailureThreshold: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, func(context.Context) error { return transient() })
	_ = cb.Execute(ctx, func(context.Context) error { return nil })
	_ = cb.Execute(ctx, func(context.Context) error { return transient() })

	if cb.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", cb.State())
	}

	_ = cb.Execute(ctx, func(context.Context) error { return transient() })
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want OPEN", cb.State())
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("state after Reset = %v, want CLOSED", cb.State())
	}
}
