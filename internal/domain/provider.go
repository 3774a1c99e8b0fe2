package domain

import "context"

// CompletionRequest is sent to an LLM provider.
type CompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// CompletionResponse is returned from an LLM provider. Native tool calls, if
// the backend produced any, are already rendered into Message.Content as
// tool_call blocks.
type CompletionResponse struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
}

// LLMProvider is the interface for any LLM backend.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	// Name returns the provider's identifier (e.g., "ollama", "groq").
	Name() string
}

// ModelLister is implemented by providers that can enumerate their models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// ProviderResolver resolves providers by name.
type ProviderResolver interface {
	Get(name string) (LLMProvider, error)
}
