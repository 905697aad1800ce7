// Package openai provides an OpenAI-backed embedding provider.
package openai

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/merchantos/agentmem-go/pkg/embedder"
)

// Client implements embedder.Provider using the OpenAI Embeddings API.
type Client struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

// Config is the configuration for the OpenAI embedder.
type Config struct {
	// APIKey is the OpenAI API key (required).
	APIKey string

	// Model is the embedding model name. Defaults to text-embedding-3-small.
	Model string

	// BaseURL overrides the API endpoint (optional).
	BaseURL string

	// Dimensions is the vector dimension. Defaults to 1536.
	Dimensions int
}

// NewClient creates a new OpenAI embedder client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai embedder: api key is required")
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	model := openai.EmbeddingModel(cfg.Model)
	if cfg.Model == "" {
		model = openai.SmallEmbedding3
	}

	dimensions := cfg.Dimensions
	if dimensions == 0 {
		dimensions = 1536
	}

	return &Client{
		client:     openai.NewClientWithConfig(config),
		model:      model,
		dimensions: dimensions,
	}, nil
}

// Embed converts a single text to a vector.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: c.model,
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Data) == 0 {
		return nil, errors.New("embedding generation failed: no data returned")
	}

	return toFloat64(resp.Data[0].Embedding), nil
}

// EmbedBatch converts multiple texts to vectors in one request.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: c.model,
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding generation failed: got %d results, expected %d",
			len(resp.Data), len(texts))
	}

	embeddings := make([][]float64, len(texts))
	for i, data := range resp.Data {
		embeddings[i] = toFloat64(data.Embedding)
	}

	return embeddings, nil
}

// EstimateTokens returns the shared character-based token estimate.
func (c *Client) EstimateTokens(text string) int {
	return embedder.EstimateTokens(text)
}

// Dimensions returns the vector dimensions.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// Close closes the client. The OpenAI SDK holds no persistent connection;
// retained for interface compatibility.
func (c *Client) Close() error {
	return nil
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
