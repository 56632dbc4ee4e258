// Package llm defines the text-generation and embedding capabilities the
// pipeline consumes, with providers behind a narrow interface so alternate
// backends and test doubles substitute without touching pipeline logic.
package llm

import (
	"context"
	"fmt"
)

// Usage is the token accounting a provider reports for one call.
// Reported is false for providers that do not return usage, in which case
// the cost ledger stores null token counts.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Reported         bool `json:"reported"`
}

// GenerateRequest is a single text-generation request.
type GenerateRequest struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	// JSONMode constrains the response to a single JSON object where the
	// provider supports it.
	JSONMode bool `json:"json_mode"`
}

// GenerateResponse is the provider's reply to a GenerateRequest.
type GenerateResponse struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// EmbedResponse is the provider's reply to one embedding call. Usage is
// populated for providers that report token counts on their embeddings
// endpoint; otherwise Reported stays false.
type EmbedResponse struct {
	Vectors [][]float32 `json:"vectors"`
	Model   string      `json:"model"`
	Usage   Usage       `json:"usage"`
}

// Provider is the interface for LLM interactions.
type Provider interface {
	// Generate sends a text-generation request.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)

	// Embed generates fixed-dimension embeddings for a batch of texts.
	Embed(ctx context.Context, texts []string) (*EmbedResponse, error)

	// Name identifies the provider for cost accounting.
	Name() string

	// ModelID identifies the configured model for cost accounting.
	ModelID() string
}

// Config configures an LLM provider.
type Config struct {
	Provider string `json:"provider"` // ollama, openai, custom
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
}

// NewProvider creates an LLM provider from configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllama(cfg), nil
	case "openai":
		return NewOpenAI(cfg), nil
	case "custom":
		return NewOpenAICompat(cfg), nil
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}
