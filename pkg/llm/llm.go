// Package llm provides the LLM provider interface used for salience
// classification assist and recall reranking.
//
// The governor treats the LLM as an optional, swappable external
// collaborator: every caller carries a deterministic fallback, so provider
// failures degrade quality but never block ingestion or recall.
package llm

import "context"

// Provider defines the interface for LLM providers.
type Provider interface {
	// Complete generates a completion for the given conversation.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - messages: Conversation history (system, user, assistant messages)
	//   - opts: Optional generation parameters
	//
	// Returns the generated text and any error.
	Complete(ctx context.Context, messages []Message, opts ...CompleteOption) (string, error)

	// Close closes the provider and releases resources.
	Close() error
}

// Message represents a single message in a conversation.
type Message struct {
	// Role is the message role: "system", "user", or "assistant".
	Role string `json:"role"`

	// Content is the message content text.
	Content string `json:"content"`
}

// CompleteOptions contains options for completion.
type CompleteOptions struct {
	// Temperature controls randomness (0.0-2.0). Higher = more random.
	Temperature float64

	// MaxTokens limits the maximum number of tokens in the response.
	MaxTokens int
}

// CompleteOption is a function type for configuring completion options.
type CompleteOption func(*CompleteOptions)

// WithTemperature sets the sampling temperature.
//
// Example:
//
//	text, _ := provider.Complete(ctx, msgs, llm.WithTemperature(0.0))
func WithTemperature(temp float64) CompleteOption {
	return func(opts *CompleteOptions) {
		opts.Temperature = temp
	}
}

// WithMaxTokens sets the maximum number of tokens in the response.
//
// Example:
//
//	text, _ := provider.Complete(ctx, msgs, llm.WithMaxTokens(256))
func WithMaxTokens(max int) CompleteOption {
	return func(opts *CompleteOptions) {
		opts.MaxTokens = max
	}
}

// ApplyCompleteOptions applies a slice of CompleteOption functions.
//
// This is a helper used internally by provider implementations.
// Default values: Temperature=0.0 (classification wants determinism),
// MaxTokens=512.
func ApplyCompleteOptions(opts []CompleteOption) *CompleteOptions {
	options := &CompleteOptions{
		Temperature: 0.0,
		MaxTokens:   512,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}
