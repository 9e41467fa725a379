// Package mock provides test doubles for the asr package interfaces.
//
// Use Provider to verify that the caller opens recognizer sessions, and
// Recognizer to feed controlled results and inspect which audio chunks were
// delivered.
//
// Example:
//
//	rec := mock.NewRecognizer()
//	p := &mock.Provider{Recognizer: rec}
//	rec.Emit(asr.Result{Text: "hello", Final: true})
package mock

import (
	"context"
	"sync"

	"github.com/parleyvoice/parley/pkg/provider/asr"
)

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// Recognizer is returned by NewRecognizer. If nil, a fresh default
	// Recognizer is returned per call.
	Recognizer asr.Recognizer

	// NewRecognizerErr, if non-nil, is returned from NewRecognizer.
	NewRecognizerErr error

	// NewRecognizerCalls counts invocations.
	NewRecognizerCalls int
}

var _ asr.Provider = (*Provider)(nil)

// NewRecognizer records the call and returns Recognizer, NewRecognizerErr.
func (p *Provider) NewRecognizer(context.Context) (asr.Recognizer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.NewRecognizerCalls++
	if p.NewRecognizerErr != nil {
		return nil, p.NewRecognizerErr
	}
	if p.Recognizer != nil {
		return p.Recognizer, nil
	}
	return NewRecognizer(), nil
}

// Calls returns how many times NewRecognizer was invoked. Thread-safe.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.NewRecognizerCalls
}

// Recognizer is a mock implementation of asr.Recognizer. Tests drive the
// results channel via Emit and inspect delivered audio via Fed.
type Recognizer struct {
	mu sync.Mutex

	// FeedAudioErr, if non-nil, is returned by every FeedAudio call.
	FeedAudioErr error

	// StopErr, if non-nil, is returned by Stop.
	StopErr error

	results chan asr.Result
	fed     [][]byte
	stopped bool
}

var _ asr.Recognizer = (*Recognizer)(nil)

// NewRecognizer returns a Recognizer with a buffered results channel.
func NewRecognizer() *Recognizer {
	return &Recognizer{results: make(chan asr.Result, 64)}
}

// Emit delivers a result to the consumer. Panics after Stop, like sending on
// a closed channel would.
func (r *Recognizer) Emit(res asr.Result) {
	r.results <- res
}

// FeedAudio records a copy of chunk.
func (r *Recognizer) FeedAudio(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FeedAudioErr != nil {
		return r.FeedAudioErr
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	r.fed = append(r.fed, buf)
	return nil
}

// Results implements asr.Recognizer.
func (r *Recognizer) Results() <-chan asr.Result { return r.results }

// Stop closes the results channel. Safe to call more than once.
func (r *Recognizer) Stop(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stopped {
		r.stopped = true
		close(r.results)
	}
	return r.StopErr
}

// Fed returns copies of all audio chunks delivered so far. Thread-safe.
func (r *Recognizer) Fed() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.fed))
	copy(out, r.fed)
	return out
}

// Stopped reports whether Stop has been called. Thread-safe.
func (r *Recognizer) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}
