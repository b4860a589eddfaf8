// Package llm provides the generation backends used by the reply pipeline
// and the Router that rotates, hedges and cools them down.
package llm

import (
	"context"
	"errors"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// CompletionRequest holds parameters for an LLM completion.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
}

// CompletionResponse holds the LLM's response.
type CompletionResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	StopReason   string `json:"stop_reason"`
}

// Provider is a text-generation backend.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "gemini").
	Name() string

	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Embedder is an embedding backend. Vectors are returned in the backend's
// native dimension; the Router adapts them.
type Embedder interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

var (
	// ErrNoProvider is returned when the router has no backend of the requested kind.
	ErrNoProvider = &ProviderError{Message: "no provider configured"}

	// ErrProviderExhausted is returned after one full pass without a success.
	ErrProviderExhausted = errors.New("all providers exhausted")

	// ErrEmbeddingFailed is returned when no usable vector could be produced.
	ErrEmbeddingFailed = errors.New("embedding failed")
)

// ProviderError represents an LLM provider error.
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}
