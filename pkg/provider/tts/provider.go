// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., MiniMax, Azure
// Speech) and presents a uniform streaming interface: one sentence in, an
// ordered stream of raw PCM chunks out. Sentences are short by construction
// (the pipeline feeds one segmented sentence at a time), so providers
// synthesize per call rather than holding a long-lived socket.
//
// Implementations must be safe for concurrent use. Multiple synthesis
// requests may run in parallel across sessions.
package tts

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text into PCM16LE 16 kHz mono audio and returns
	// a channel emitting chunks in playback order. The implementation
	// closes the channel when synthesis finishes, fails, or ctx is
	// cancelled; cancellation is observed between chunks so an
	// interrupted reply stops quickly.
	//
	// Returns a non-nil error only if the request cannot be started
	// (bad credentials, unreachable endpoint). Mid-stream vendor errors
	// are logged by the implementation and close the channel early;
	// callers check ctx.Err() to tell cancellation from failure.
	//
	// The returned channel is never nil when error is nil. Callers must
	// drain it to avoid leaking the provider's goroutine.
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)
}

var (
	poolOnce   sync.Once
	poolClient *http.Client
)

// PooledClient returns the process-wide HTTP client shared by TTS providers.
// Synthesis issues one request per sentence, so connection reuse across
// requests and sessions dominates latency; the transport keeps a deep idle
// pool and attempts HTTP/2.
func PooledClient() *http.Client {
	poolOnce.Do(func() {
		poolClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		}
	})
	return poolClient
}
