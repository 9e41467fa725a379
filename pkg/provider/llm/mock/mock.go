// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the pipeline sends correct
// CompletionRequests and to feed controlled chunk sequences without a live
// backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    StreamChunks: []llm.Chunk{{Text: "你好。"}, {FinishReason: "stop"}},
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/parleyvoice/parley/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the CompletionRequest passed to StreamCompletion.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider. Zero values cause
// StreamCompletion to return an immediately closed channel.
type Provider struct {
	mu sync.Mutex

	// StreamChunks is the sequence of Chunk values emitted on the channel
	// returned by StreamCompletion. All chunks are sent before the
	// channel is closed.
	StreamChunks []llm.Chunk

	// ChunkDelay, when non-zero, is slept between chunks. Use it to keep
	// a stream in flight long enough for a test to interrupt it.
	ChunkDelay time.Duration

	// StreamErr, if non-nil, is returned as the error from
	// StreamCompletion instead of starting a channel.
	StreamErr error

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion records the call and plays back StreamChunks. Chunk
// delivery respects ctx cancellation, like a real provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	delay := p.ChunkDelay
	err := p.StreamErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Calls returns a copy of all recorded StreamCompletion calls. Thread-safe.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StreamCall, len(p.StreamCalls))
	copy(out, p.StreamCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
}
