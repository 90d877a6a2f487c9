package ai

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const defaultOpenAIChatModel = openai.ChatModelGPT4_1Mini

// OpenAIClient is the OpenAI-backed generation client.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient creates a generation client using the Chat Completions API.
func NewOpenAIClient(token, model string) *OpenAIClient {
	if model == "" {
		model = defaultOpenAIChatModel
	}
	return &OpenAIClient{
		client: openai.NewClient(option.WithAPIKey(token)),
		model:  model,
	}
}

func (c *OpenAIClient) Model() string {
	return c.model
}

func (c *OpenAIClient) buildParams(req ChatRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			if len(m.Images) == 0 {
				messages = append(messages, openai.UserMessage(m.Content))
				continue
			}
			parts := []openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(m.Content),
			}
			for _, img := range m.Images {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img),
				}))
			}
			messages = append(messages, openai.UserMessage(parts))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    messages,
		Temperature: openai.Float(req.Options.Temperature),
		Seed:        openai.Int(int64(req.Options.Seed)),
	}
	if req.Format != nil {
		// The schema itself rides along in the prompt; the API level
		// constraint is JSON-object mode.
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params
}

// Chat sends a non-streaming generation request.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("OpenAI returned no choices")
	}
	return &ChatResponse{Content: resp.Choices[0].Message.Content}, nil
}

// ChatStream sends a streaming generation request.
func (c *OpenAIClient) ChatStream(ctx context.Context, req ChatRequest, onChunk func(string)) (*ChatResponse, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.buildParams(req))
	defer stream.Close()

	var full strings.Builder
	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		content := chunk.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		full.WriteString(content)
		if onChunk != nil {
			onChunk(content)
		}
	}
	if err := stream.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("OpenAI stream error: %w", err)
	}
	return &ChatResponse{Content: full.String()}, nil
}

// Unload is a no-op; the hosted API manages model lifetime itself.
func (c *OpenAIClient) Unload(ctx context.Context) error {
	return nil
}

// OpenAIEmbedClient is the OpenAI-backed embedding client.
type OpenAIEmbedClient struct {
	client openai.Client
	model  string
}

// NewOpenAIEmbedClient creates an embedding client.
func NewOpenAIEmbedClient(token, model string) *OpenAIEmbedClient {
	if model == "" {
		model = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	return &OpenAIEmbedClient{
		client: openai.NewClient(option.WithAPIKey(token)),
		model:  model,
	}
}

func (c *OpenAIEmbedClient) Model() string {
	return c.model
}

// Embed returns the embedding vector for one input string.
func (c *OpenAIEmbedClient) Embed(ctx context.Context, input string) ([]float32, error) {
	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: c.model,
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(input),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI embeddings API error: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("OpenAI returned no embeddings")
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Unload is a no-op for the hosted API.
func (c *OpenAIEmbedClient) Unload(ctx context.Context) error {
	return nil
}
