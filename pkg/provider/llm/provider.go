// Package llm defines the Provider interface for Large Language Model
// backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI, Anthropic,
// or a local Ollama instance) and exposes a uniform streaming interface so
// the reply pipeline never couples to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// Message is one turn of conversation history.
type Message struct {
	// Role is "user", "assistant", or "system".
	Role string

	// Content is the text of the turn.
	Content string
}

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected
	// before the conversation history. Providers without a dedicated
	// system field prepend it as a "system"-role message.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. Zero means
	// use the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means use the
	// provider default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content. May be empty on the final
	// chunk.
	Text string

	// FinishReason is set on the final chunk: "stop" (natural end),
	// "length" (MaxTokens reached), or "error" (stream failed; Text then
	// carries the error message). Empty on non-final chunks.
	FinishReason string
}

// Err reports whether the chunk signals a stream failure.
func (c Chunk) Err() bool { return c.FinishReason == "error" }

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and must propagate context cancellation promptly.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only
	// channel emitting Chunk values as they arrive. The implementation
	// closes the channel when generation finishes or ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors
	// after the stream opens surface as a Chunk with FinishReason
	// "error"; the error return is non-nil only for failures that prevent
	// the stream from starting (invalid credentials, malformed request).
	//
	// The returned channel is never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}
