// Package llmclient wraps an OpenAI-compatible chat-completion endpoint,
// narrowed to exactly what the semantic-gap detector needs: one
// system/user completion call with bounded retries.
package llmclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Config holds the OpenAI-compatible chat completion endpoint settings.
// Nothing here reads the environment: the caller supplies APIKey (the
// server binary passes MISTRAL_API_KEY from its settings).
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxRetries  int
	RetryDelay  time.Duration
	HTTPTimeout time.Duration
}

// DefaultConfig targets Mistral's OpenAI-compatible API with two retries
// spaced a second apart.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "https://api.mistral.ai/v1",
		Model:       "mistral-large-latest",
		MaxRetries:  2,
		RetryDelay:  time.Second,
		HTTPTimeout: 30 * time.Second,
	}
}

// Client is a narrow chat-completion client: one system prompt, one user
// prompt, one completion, with retry-on-transient-error.
type Client struct {
	raw    *openai.Client
	model  string
	maxRet int
	delay  time.Duration
}

// New creates a Client. Returns an error if cfg.APIKey is empty.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llmclient: API key required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	maxRet := cfg.MaxRetries
	if maxRet <= 0 {
		maxRet = 2
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	return &Client{
		raw:    openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		maxRet: maxRet,
		delay:  delay,
	}, nil
}

// Complete sends one system/user message pair and returns the assistant's
// response content, retrying transient failures.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRet; attempt++ {
		resp, err := c.raw.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", fmt.Errorf("llmclient: no choices returned")
			}
			return resp.Choices[0].Message.Content, nil
		}
		lastErr = err
		if attempt < c.maxRet {
			select {
			case <-time.After(c.delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", fmt.Errorf("llmclient: call failed after %d retries: %w", c.maxRet, lastErr)
}
