// Package ai wraps the language-model and embedding-model backends behind
// small request/response interfaces. The default backend is a local Ollama
// instance; OpenAI and Gemini are available as alternates.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultKeepAlive is how long a backend should keep a model loaded after a
// request.
const DefaultKeepAlive = time.Hour

// Message is one turn of a conversation. Images carry raw encoded image bytes
// (PNG or JPEG); each backend converts them to its own wire format.
type Message struct {
	Role    string
	Content string
	Images  [][]byte
}

// Options are sampling parameters for a generation request.
type Options struct {
	NumGPU      int
	Temperature float64
	Seed        int
	NumCtx      int
}

// DefaultOptions returns deterministic sampling settings. Descriptions and
// tags must be reproducible for the same input, so temperature is zero and
// the seed is fixed.
func DefaultOptions() Options {
	return Options{
		NumGPU:      -1,
		Temperature: 0,
		Seed:        42,
		NumCtx:      2048,
	}
}

// ChatRequest is a single generation request.
type ChatRequest struct {
	Messages []Message
	Options  Options
	// Format, when set, constrains the output to JSON conforming to this
	// schema. Validation is the model's responsibility.
	Format    json.RawMessage
	KeepAlive time.Duration
}

// ChatResponse carries the final message of a generation.
type ChatResponse struct {
	Content string
}

// ChatClient is a generation backend.
type ChatClient interface {
	Model() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// ChatStream invokes onChunk for each incremental piece of content and
	// returns the concatenated result. If ctx is canceled mid-stream the
	// partial result is discarded and ctx.Err() is returned.
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(content string)) (*ChatResponse, error)
	// Unload asks the backend to release the model's resources.
	Unload(ctx context.Context) error
}

// EmbedClient is an embedding backend bound to one model.
type EmbedClient interface {
	Model() string
	Embed(ctx context.Context, input string) ([]float32, error)
	Unload(ctx context.Context) error
}

// Provider identifies a configured backend.
type Provider string

const (
	ProviderOllama Provider = "ollama"
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

// BackendConfig carries the connection settings for every supported backend.
type BackendConfig struct {
	OllamaURL   string
	OpenAIToken string
	GeminiKey   string
}

// NewChatClient constructs a generation backend for the given provider and
// model name.
func NewChatClient(ctx context.Context, provider Provider, model string, cfg BackendConfig) (ChatClient, error) {
	switch provider {
	case ProviderOllama, "":
		return NewOllamaClient(cfg.OllamaURL, model), nil
	case ProviderOpenAI:
		if cfg.OpenAIToken == "" {
			return nil, fmt.Errorf("OPENAI_TOKEN not set")
		}
		return NewOpenAIClient(cfg.OpenAIToken, model), nil
	case ProviderGemini:
		if cfg.GeminiKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY not set")
		}
		return NewGeminiClient(ctx, cfg.GeminiKey, model)
	default:
		return nil, fmt.Errorf("unknown AI provider: %q", provider)
	}
}

// NewEmbedClient constructs an embedding backend. Gemini has no embedding
// path here; it falls back to Ollama.
func NewEmbedClient(provider Provider, model string, cfg BackendConfig) (EmbedClient, error) {
	switch provider {
	case ProviderOpenAI:
		if cfg.OpenAIToken == "" {
			return nil, fmt.Errorf("OPENAI_TOKEN not set")
		}
		return NewOpenAIEmbedClient(cfg.OpenAIToken, model), nil
	case ProviderOllama, ProviderGemini, "":
		return NewOllamaEmbedClient(cfg.OllamaURL, model), nil
	default:
		return nil, fmt.Errorf("unknown AI provider: %q", provider)
	}
}
