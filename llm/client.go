package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"audia/config"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client wraps the OpenAI-compatible API for embeddings and chat completion.
type Client struct {
	cli            *openai.Client
	embeddingModel string
	chatModel      string
}

func NewClient(cfg *config.Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &Client{
		cli:            openai.NewClientWithConfig(oc),
		embeddingModel: cfg.EmbeddingModel,
		chatModel:      cfg.ChatModel,
	}
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text}, 1)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in batches of batchSize, preserving input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = 16
	}
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		resp, err := c.cli.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(c.embeddingModel),
			Input: texts[start:end],
		})
		if err != nil {
			return nil, fmt.Errorf("create embeddings: %w", err)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("create embeddings: got %d vectors for %d inputs", len(resp.Data), end-start)
		}
		for _, d := range resp.Data {
			vectors = append(vectors, d.Embedding)
		}
	}
	return vectors, nil
}

// Complete runs one chat completion. When jsonObject is set the model is
// constrained to emit a JSON object.
func (c *Client) Complete(ctx context.Context, messages []Message, maxTokens int, temperature float32, jsonObject bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.chatModel,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	if jsonObject {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.cli.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}
