// Package llm provides chat-completion providers and the multi-provider
// gateway that fronts them with retry, rate limiting and circuit breaking.
package llm

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

// Message represents a chat message.
type Message struct {
	Role    string // system, user, assistant
	Content string
}

// Provider is a single OpenAI-compatible chat backend.
type Provider interface {
	// Name returns the configured provider name ("openai", "deepseek", ...).
	Name() string

	// Generate performs a synchronous chat completion and returns the raw
	// response text verbatim. JSON parsing is the caller's responsibility.
	Generate(ctx context.Context, messages []Message, temperature float32, maxTokens int) (string, error)

	// Warmup sends a lightweight ping to establish the connection. Failures
	// are logged, never returned; the first real request just runs colder.
	Warmup(ctx context.Context)
}

// Config holds the settings for one provider. BaseURL and Model must already
// be resolved; the per-provider endpoint defaults live in internal/profile.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration // per-request hard cap, default 10s
}

type provider struct {
	client  *openai.Client
	name    string
	model   string
	timeout time.Duration
}

// NewProvider creates an OpenAI-compatible provider from a resolved config.
func NewProvider(cfg *Config) (Provider, error) {
	if cfg.Provider == "" {
		return nil, errors.New("provider name required")
	}
	if cfg.Model == "" {
		return nil, errors.Errorf("model required for provider %s", cfg.Provider)
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = newHTTPClient()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &provider{
		client:  openai.NewClientWithConfig(clientConfig),
		name:    cfg.Provider,
		model:   cfg.Model,
		timeout: timeout,
	}, nil
}

func (p *provider) Name() string {
	return p.name
}

func (p *provider) Generate(ctx context.Context, messages []Message, temperature float32, maxTokens int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	slog.Debug("llm: generate request",
		"provider", p.name,
		"model", p.model,
		"messages", len(messages),
		"max_tokens", maxTokens,
	)

	start := time.Now()

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Messages:    convertMessages(messages),
	})
	if err != nil {
		return "", errors.Wrapf(err, "llm generate failed on %s", p.name)
	}
	if len(resp.Choices) == 0 {
		return "", errors.Errorf("empty response from %s", p.name)
	}

	slog.Debug("llm: generate response",
		"provider", p.name,
		"content_length", len(resp.Choices[0].Message.Content),
		"total_tokens", resp.Usage.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return resp.Choices[0].Message.Content, nil
}

func (p *provider) Warmup(ctx context.Context) {
	warmupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()

	_, err := p.client.CreateChatCompletion(warmupCtx, openai.ChatCompletionRequest{
		Model:       p.model,
		MaxTokens:   1,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "Hi"},
		},
	})
	if err != nil {
		slog.Warn("llm: warmup ping failed, first request may be slower",
			"provider", p.name,
			"model", p.model,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}

	slog.Info("llm: connection warmed up",
		"provider", p.name,
		"model", p.model,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case "system":
			role = openai.ChatMessageRoleSystem
		case "assistant":
			role = openai.ChatMessageRoleAssistant
		}
		out[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}
	return out
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// SystemPrompt creates a system message.
func SystemPrompt(content string) Message {
	return Message{Role: "system", Content: content}
}

// UserMessage creates a user message.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}
