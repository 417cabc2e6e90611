// Package embedding provides the query-vector provider and the cache that
// fronts it.
package embedding

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

// Provider generates fixed-dimension embedding vectors.
type Provider interface {
	// Embed generates a vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates vectors for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector dimension, fixed at startup.
	Dimensions() int
}

// Config holds the settings for the embedding backend.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	// RetryDelay is the pause before the single transient retry.
	RetryDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.Dimensions <= 0 {
		c.Dimensions = 1536
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
}

type provider struct {
	client     *openai.Client
	model      string
	dimensions int
	retryDelay time.Duration
}

// NewProvider creates an OpenAI-compatible embedding provider.
func NewProvider(cfg *Config) (Provider, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.applyDefaults()

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &provider{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		retryDelay: cfg.RetryDelay,
	}, nil
}

func (p *provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, errors.New("empty embedding result")
	}
	return vectors[0], nil
}

// EmbedBatch calls the provider, retrying once on failure. Provider errors
// are treated as transient per the embedding contract.
func (p *provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("no texts provided for embedding")
	}

	vectors, err := p.embedOnce(ctx, texts)
	if err == nil {
		return vectors, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.retryDelay):
	}
	return p.embedOnce(ctx, texts)
}

func (p *provider) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(p.model),
		Dimensions: p.dimensions,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create embeddings failed")
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("empty embedding response")
	}

	vectors := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		if len(data.Embedding) != p.dimensions {
			return nil, errors.Errorf("embedding dimension %d, want %d", len(data.Embedding), p.dimensions)
		}
		vectors[i] = data.Embedding
	}
	return vectors, nil
}

func (p *provider) Dimensions() int {
	return p.dimensions
}
