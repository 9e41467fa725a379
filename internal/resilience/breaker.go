// Package resilience shields the reply pipeline from misbehaving speech and
// model vendors.
//
// The central type is [Breaker], a classic three-state circuit breaker
// (closed → open → half-open). The pipeline wraps every LLM stream start and
// TTS synthesis call in one; when a vendor fails repeatedly the breaker
// rejects calls immediately, so a session degrades to fast error messages
// instead of stacking 30-second timeouts while the user waits.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] when the breaker is open and the
// cooldown has not yet elapsed.
var ErrOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed is normal operation; all calls are forwarded.
	StateClosed State = iota

	// StateOpen means the breaker tripped on consecutive failures. Calls
	// fail immediately with [ErrOpen] until the cooldown elapses.
	StateOpen

	// StateHalfOpen is the probe state after the cooldown. A limited
	// number of calls go through; success closes the breaker, any failure
	// re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [Breaker]. Zero values are replaced with
// defaults.
type Config struct {
	// Name labels the breaker in log messages, e.g. "tts" or "llm".
	Name string

	// MaxFailures is the number of consecutive failures in the closed
	// state before the breaker opens. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing again.
	// Default: 30s.
	Cooldown time.Duration

	// ProbeBudget is the number of half-open probe calls that must
	// succeed before the breaker closes. Default: 3.
	ProbeBudget int
}

// Breaker implements the three-state circuit breaker pattern. Safe for
// concurrent use.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	probeBudget int

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probes      int
	probeFails  int
}

// NewBreaker creates a [Breaker] from cfg.
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		probeBudget: cfg.ProbeBudget,
		state:       StateClosed,
	}
}

// Do runs fn if the breaker allows it. In the open state it returns
// [ErrOpen] without calling fn. In the half-open state only the probe budget
// worth of calls are permitted.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.probeFails = 0
		slog.Info("circuit breaker half-open", "name", b.name)

	case StateHalfOpen:
		if b.probes >= b.probeBudget {
			b.mu.Unlock()
			return ErrOpen
		}
	}

	probing := b.state == StateHalfOpen
	if probing {
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(probing bool) {
	b.lastFailure = time.Now()

	if probing {
		b.probeFails++
		// Any probe failure re-opens immediately.
		b.state = StateOpen
		b.failures = b.maxFailures
		slog.Warn("circuit breaker re-opened", "name", b.name)
		return
	}

	b.failures++
	if b.failures >= b.maxFailures {
		b.state = StateOpen
		slog.Warn("circuit breaker opened",
			"name", b.name,
			"consecutive_failures", b.failures)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probes-b.probeFails >= b.probeBudget {
			b.state = StateClosed
			b.failures = 0
			b.probes = 0
			b.probeFails = 0
			slog.Info("circuit breaker closed", "name", b.name)
		}
		return
	}
	b.failures = 0
}

// State returns the breaker's current state. An open breaker whose cooldown
// has elapsed reports [StateHalfOpen]; the actual transition happens on the
// next Do call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastFailure) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [StateClosed] and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probes = 0
	b.probeFails = 0
}
