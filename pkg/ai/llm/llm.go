// Package llm defines the large-language-model capability interface used
// by the conversation engine to generate replies, both in one-shot and
// sentence-streaming modes.
package llm

import "context"

// Role identifies the speaker of a Message in a chat-style request.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in an ordered chat history handed to the model.
type Message struct {
	Role    Role
	Content string
}

// Options tunes a single generation call. Zero values mean "use the
// provider's default".
type Options struct {
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
}

// StreamChunk is one piece of a streaming generation. Err is set (and
// Token empty) when the stream ends abnormally; a clean end of stream
// closes the channel without a final error chunk.
type StreamChunk struct {
	Token string
	Err   error
}

// LLM is the capability interface every language-model backend
// implements, cloud or local.
type LLM interface {
	// Load prepares the provider. Safe to call repeatedly.
	Load(ctx context.Context) error

	// IsLoaded reports whether Load has completed successfully.
	IsLoaded() bool

	// Generate produces a single completion for prompt under opts.
	Generate(ctx context.Context, prompt string, opts Options) (string, error)

	// GenerateWithHistory is Generate over an explicit ordered message
	// history instead of a single prompt string.
	GenerateWithHistory(ctx context.Context, messages []Message, opts Options) (string, error)

	// GenerateStreaming is GenerateWithHistory but yields tokens as they
	// arrive on the returned channel. The channel is closed when
	// generation completes, fails, or ctx is cancelled; callers must
	// drain it to avoid leaking the underlying provider goroutine.
	GenerateStreaming(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error)

	// Name identifies the provider for logging, metrics, and breaker
	// naming (e.g. "groq", "local-llama").
	Name() string
}
