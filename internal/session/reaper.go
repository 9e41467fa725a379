package session

import (
	"context"
	"log/slog"
	"time"
)

// Reaper removes sessions that have been idle longer than the configured
// timeout. It closes the session (cancelling its pipeline and any in-flight
// LLM or TTS work) before removing it from the registry.
type Reaper struct {
	registry *Registry
	timeout  time.Duration
	interval time.Duration

	// onReap, when set, is called for each reaped session after it has been
	// closed and removed. Used to decrement the active-session gauge and to
	// interrupt the TTS adapter.
	onReap func(*Session)
}

// ReaperOption configures a [Reaper].
type ReaperOption func(*Reaper)

// WithInterval overrides the scan interval. The default is 60 seconds.
func WithInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithOnReap installs a callback invoked for every reaped session.
func WithOnReap(fn func(*Session)) ReaperOption {
	return func(r *Reaper) {
		r.onReap = fn
	}
}

// NewReaper creates a reaper over registry with the given idle timeout.
func NewReaper(registry *Registry, timeout time.Duration, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		registry: registry,
		timeout:  timeout,
		interval: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run scans the registry every interval until ctx is cancelled. Call it in
// its own goroutine.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep closes and removes every session idle beyond the timeout.
func (r *Reaper) sweep() {
	for _, s := range r.registry.Snapshot() {
		idle := s.IdleFor()
		if idle <= r.timeout {
			continue
		}
		slog.Info("reaping idle session", "session_id", s.ID, "idle", idle.Round(time.Second))
		s.Close()
		r.registry.Remove(s.ID)
		if r.onReap != nil {
			r.onReap(s)
		}
	}
}
