package resilience

import (
	"errors"
	"testing"
	"time"
)

var errVendor = errors.New("vendor down")

func failing() error { return errVendor }
func succeeding() error { return nil }

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{Name: "test"})
	for i := 0; i < 20; i++ {
		if err := b.Do(succeeding); err != nil {
			t.Fatalf("Do: %v", err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{Name: "test", MaxFailures: 3, Cooldown: time.Hour})

	for i := 0; i < 3; i++ {
		if err := b.Do(failing); !errors.Is(err, errVendor) {
			t.Fatalf("Do %d: %v, want vendor error", i, err)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
	if err := b.Do(succeeding); !errors.Is(err, ErrOpen) {
		t.Errorf("Do while open = %v, want ErrOpen", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{Name: "test", MaxFailures: 3, Cooldown: time.Hour})
	b.Do(failing)
	b.Do(failing)
	b.Do(succeeding)
	b.Do(failing)
	b.Do(failing)
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want closed (failures interleaved with success)", got)
	}
}

func TestBreakerHalfOpenClosesAfterProbes(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{Name: "test", MaxFailures: 1, Cooldown: 10 * time.Millisecond, ProbeBudget: 2})

	b.Do(failing)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	time.Sleep(20 * time.Millisecond)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after cooldown = %v, want half-open", got)
	}

	if err := b.Do(succeeding); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	if err := b.Do(succeeding); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state after successful probes = %v, want closed", got)
	}
}

func TestBreakerHalfOpenReopensOnFailure(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{Name: "test", MaxFailures: 1, Cooldown: 10 * time.Millisecond})

	b.Do(failing)
	time.Sleep(20 * time.Millisecond)

	if err := b.Do(failing); !errors.Is(err, errVendor) {
		t.Fatalf("probe: %v, want vendor error", err)
	}
	if got := b.State(); got != StateOpen {
		t.Errorf("state after failed probe = %v, want open", got)
	}
	if err := b.Do(succeeding); !errors.Is(err, ErrOpen) {
		t.Errorf("Do after re-open = %v, want ErrOpen", err)
	}
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{Name: "test", MaxFailures: 1, Cooldown: time.Hour})
	b.Do(failing)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
	b.Reset()
	if got := b.State(); got != StateClosed {
		t.Errorf("state after Reset = %v, want closed", got)
	}
	if err := b.Do(succeeding); err != nil {
		t.Errorf("Do after Reset: %v", err)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, c := range cases {
		if got := c.state.String(); got != c.want {
			t.Errorf("State(%d).String() = %q, want %q", c.state, got, c.want)
		}
	}
}
