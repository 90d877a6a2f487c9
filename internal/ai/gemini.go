package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiClient is the Gemini-backed generation client.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a generation client for the Gemini API.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiClient{client: client, model: model}, nil
}

func (c *GeminiClient) Model() string {
	return c.model
}

func (c *GeminiClient) buildContents(req ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		// Gemini only knows user and model roles; system prompts ride in a
		// user turn, assistant turns map to model.
		switch role {
		case "assistant":
			role = "model"
		case "system":
			role = "user"
		}
		parts := []*genai.Part{{Text: m.Content}}
		for _, img := range m.Images {
			parts = append(parts, &genai.Part{
				InlineData: &genai.Blob{Data: img, MIMEType: "image/jpeg"},
			})
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Options.Temperature)),
		Seed:        genai.Ptr(int32(req.Options.Seed)),
	}
	if req.Format != nil {
		config.ResponseMIMEType = "application/json"
	}
	return contents, config
}

// Chat sends a non-streaming generation request.
func (c *GeminiClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	contents, config := c.buildContents(req)
	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini API error: %w", err)
	}
	content := result.Text()
	if content == "" {
		return nil, errors.New("no response from Gemini")
	}
	return &ChatResponse{Content: content}, nil
}

// ChatStream sends a streaming generation request.
func (c *GeminiClient) ChatStream(ctx context.Context, req ChatRequest, onChunk func(string)) (*ChatResponse, error) {
	contents, config := c.buildContents(req)

	var full strings.Builder
	for result, err := range c.client.Models.GenerateContentStream(ctx, c.model, contents, config) {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("gemini stream error: %w", err)
		}
		content := result.Text()
		if content == "" {
			continue
		}
		full.WriteString(content)
		if onChunk != nil {
			onChunk(content)
		}
	}
	return &ChatResponse{Content: full.String()}, nil
}

// Unload is a no-op; the hosted API manages model lifetime itself.
func (c *GeminiClient) Unload(ctx context.Context) error {
	return nil
}
