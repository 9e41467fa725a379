// Package asr defines the Provider interface for streaming speech
// recognition backends.
//
// An ASR provider wraps a real-time transcription service (e.g., Azure Speech)
// and exposes a uniform streaming interface. The central abstraction is
// Recognizer: once started, it accepts raw PCM audio frames and emits a single
// ordered stream of Result values — low-latency partials for the live caption
// and authoritative finals that drive the reply pipeline.
//
// Implementations must be safe for concurrent use: FeedAudio is called from
// the websocket read loop while Results is drained elsewhere.
package asr

import "context"

// Result is one recognition event. Partial results (Final == false) refine
// the text of the utterance in progress; a final result commits it.
//
// Implementations never emit a Result with empty Text: silence and
// punctuation-only hypotheses are dropped before they reach the channel.
type Result struct {
	// Text is the recognized text so far (partial) or the committed
	// utterance (final). Never empty.
	Text string

	// Final marks the result as authoritative. After a final, the next
	// partial starts a new utterance.
	Final bool
}

// Recognizer is a live recognition session over one audio stream.
//
// Callers must call Stop when the session ends. Failing to do so may leak
// goroutines and network connections inside the provider implementation.
type Recognizer interface {
	// FeedAudio delivers a chunk of PCM16LE 16 kHz mono audio for
	// transcription. Calling FeedAudio after Stop returns an error.
	// FeedAudio does not retain chunk.
	FeedAudio(chunk []byte) error

	// Results returns the ordered stream of recognition events. Partials
	// and finals for the same utterance arrive in recognition order. The
	// channel is closed after Stop, once any trailing result has been
	// delivered. If the vendor session ends while a partial hypothesis is
	// outstanding, that partial is promoted to a final so the utterance is
	// not lost.
	Results() <-chan Result

	// Stop terminates the session, flushes pending audio, and releases
	// all resources. After Stop returns the Results channel is closed (or
	// will close promptly). Calling Stop more than once is safe.
	Stop(ctx context.Context) error
}

// Provider opens Recognizer sessions against one speech backend.
//
// Implementations must be safe for concurrent use; every conversation
// session opens its own Recognizer.
type Provider interface {
	// NewRecognizer opens a streaming recognition session. The returned
	// Recognizer is ready to accept audio immediately. Returns an error
	// when the session cannot be established (authentication failure,
	// unreachable endpoint, ctx already cancelled). Vendor HTTP status
	// lines, 401 included, are surfaced verbatim in the error text so the
	// operator can tell a bad key from a bad region.
	NewRecognizer(ctx context.Context) (Recognizer, error)
}
