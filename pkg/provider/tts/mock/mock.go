// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed deterministic PCM chunks through the pipeline and to
// inspect which sentences were synthesized.
//
// Example:
//
//	p := &mock.Provider{Chunks: [][]byte{pcmA, pcmB}}
//	audio, _ := p.Synthesize(ctx, "你好。")
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/parleyvoice/parley/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider. The zero value returns
// an immediately closed channel per call.
type Provider struct {
	mu sync.Mutex

	// Chunks is the PCM chunk sequence emitted for every Synthesize call.
	Chunks [][]byte

	// ChunkDelay, when non-zero, is slept before each chunk. Use it to
	// keep synthesis in flight long enough for a test to cancel it.
	ChunkDelay time.Duration

	// SynthesizeErr, if non-nil, is returned instead of a channel.
	SynthesizeErr error

	// Texts records every synthesized sentence in call order.
	Texts []string
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize records text and plays back Chunks, honoring ctx between
// chunks.
func (p *Provider) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	p.mu.Lock()
	p.Texts = append(p.Texts, text)
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	delay := p.ChunkDelay
	err := p.SynthesizeErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Synthesized returns a copy of all sentences synthesized so far.
// Thread-safe.
func (p *Provider) Synthesized() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Texts))
	copy(out, p.Texts)
	return out
}

// Reset clears recorded sentences. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Texts = nil
}
