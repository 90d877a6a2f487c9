package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaURL = "http://localhost:11434"

	// DefaultVisionModel describes screenshots.
	DefaultVisionModel = "moondream"
	// DefaultTagModel maps descriptions to tags via structured output.
	DefaultTagModel = "qwen2:1.5b"
	// DefaultEmbedModel produces description embeddings.
	DefaultEmbedModel = "mxbai-embed-large"
)

// OllamaClient talks to a local Ollama instance over its chat API.
type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaClient creates a generation client for the given model.
func NewOllamaClient(baseURL, model string) *OllamaClient {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	return &OllamaClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{},
	}
}

func (c *OllamaClient) Model() string {
	return c.model
}

// ollamaChatRequest represents a request to the Ollama chat API.
type ollamaChatRequest struct {
	Model     string          `json:"model"`
	Messages  []ollamaMessage `json:"messages"`
	Stream    bool            `json:"stream"`
	Format    json.RawMessage `json:"format,omitempty"`
	Options   ollamaOptions   `json:"options,omitempty"`
	KeepAlive int64           `json:"keep_alive"` // seconds
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // base64 encoded images
}

type ollamaOptions struct {
	NumGPU      int     `json:"num_gpu,omitempty"`
	Temperature float64 `json:"temperature"`
	Seed        int     `json:"seed,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

// ollamaChatResponse represents one response object from the chat API. In
// streaming mode each NDJSON line decodes into this shape.
type ollamaChatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

func encodeMessages(messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, len(messages))
	for i, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, img := range m.Images {
			om.Images = append(om.Images, base64.StdEncoding.EncodeToString(img))
		}
		out[i] = om
	}
	return out
}

func (c *OllamaClient) buildRequest(req ChatRequest, stream bool) ollamaChatRequest {
	keepAlive := req.KeepAlive
	if keepAlive == 0 {
		keepAlive = DefaultKeepAlive
	}
	return ollamaChatRequest{
		Model:    c.model,
		Messages: encodeMessages(req.Messages),
		Stream:   stream,
		Format:   req.Format,
		Options: ollamaOptions{
			NumGPU:      req.Options.NumGPU,
			Temperature: req.Options.Temperature,
			Seed:        req.Options.Seed,
			NumCtx:      req.Options.NumCtx,
		},
		KeepAlive: int64(keepAlive / time.Second),
	}
}

// Chat sends a non-streaming generation request.
func (c *OllamaClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := c.post(ctx, "/api/chat", c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp ollamaChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &ChatResponse{Content: resp.Message.Content}, nil
}

// ChatStream sends a streaming request and decodes the NDJSON chunk stream.
func (c *OllamaClient) ChatStream(ctx context.Context, req ChatRequest, onChunk func(string)) (*ChatResponse, error) {
	body, err := c.post(ctx, "/api/chat", c.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, fmt.Errorf("failed to parse stream chunk: %w", err)
		}
		if chunk.Message.Content != "" {
			full.WriteString(chunk.Message.Content)
			if onChunk != nil {
				onChunk(chunk.Message.Content)
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("stream read failed: %w", err)
	}
	return &ChatResponse{Content: full.String()}, nil
}

// Unload issues an empty chat with zero keep-alive so Ollama releases the
// model.
func (c *OllamaClient) Unload(ctx context.Context) error {
	body, err := c.post(ctx, "/api/chat", ollamaChatRequest{
		Model:     c.model,
		Messages:  []ollamaMessage{},
		Stream:    false,
		KeepAlive: 0,
	})
	if err != nil {
		return err
	}
	body.Close()
	return nil
}

func (c *OllamaClient) post(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	return ollamaPost(ctx, c.client, c.baseURL, path, payload)
}

func ollamaPost(ctx context.Context, client *http.Client, baseURL, path string, payload any) (io.ReadCloser, error) {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return resp.Body, nil
}

// OllamaEmbedClient computes text embeddings through the Ollama embed API.
type OllamaEmbedClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaEmbedClient creates an embedding client for the given model.
func NewOllamaEmbedClient(baseURL, model string) *OllamaEmbedClient {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if model == "" {
		model = DefaultEmbedModel
	}
	return &OllamaEmbedClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{},
	}
}

func (c *OllamaEmbedClient) Model() string {
	return c.model
}

type ollamaEmbedRequest struct {
	Model     string `json:"model"`
	Input     string `json:"input"`
	KeepAlive int64  `json:"keep_alive"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the embedding vector for one input string.
func (c *OllamaEmbedClient) Embed(ctx context.Context, input string) ([]float32, error) {
	body, err := ollamaPost(ctx, c.client, c.baseURL, "/api/embed", ollamaEmbedRequest{
		Model:     c.model,
		Input:     input,
		KeepAlive: int64(DefaultKeepAlive / time.Second),
	})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var resp ollamaEmbedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("embed API returned no vectors")
	}
	return resp.Embeddings[0], nil
}

// Unload sends a minimal embed request with zero keep-alive.
func (c *OllamaEmbedClient) Unload(ctx context.Context) error {
	body, err := ollamaPost(ctx, c.client, c.baseURL, "/api/embed", ollamaEmbedRequest{
		Model: c.model,
		Input: " ",
	})
	if err != nil {
		return err
	}
	body.Close()
	return nil
}
