// Package llm wraps the OpenAI chat completion API behind the ModelClient
// port. All pipeline prompts run in JSON mode with a low temperature.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	"pipeline_server/pkg/logger"
)

const DefaultModel = "gpt-4o-mini"

// Client implements out.ModelClient on top of the OpenAI API.
type Client struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
	cb          *gobreaker.CircuitBreaker
}

// ClientConfig holds model client configuration.
type ClientConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// NewClient creates a model client. The API key must be present; callers
// validate it at startup so a misconfigured deployment fails fast instead of
// degrading every classification to the fallback.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: api key is required")
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2048
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.2
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	cbSettings := gobreaker.Settings{
		Name:        "openai-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[ModelClient] circuit breaker %s: %s -> %s", name, from.String(), to.String())
		},
	}

	return &Client{
		client:      openai.NewClient(cfg.APIKey),
		model:       model,
		maxTokens:   maxTokens,
		temperature: float32(temperature),
		timeout:     timeout,
		cb:          gobreaker.NewCircuitBreaker(cbSettings),
	}, nil
}

// GenerateStructured runs one system+user completion in JSON object mode and
// returns the raw JSON text with any markdown fencing stripped.
func (c *Client) GenerateStructured(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	result, err := c.cb.Execute(func() (interface{}, error) {
		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: systemPrompt,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: userPrompt,
				},
			},
			MaxTokens:   c.maxTokens,
			Temperature: c.temperature,
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return "{}", nil
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			logger.Warn("[ModelClient] circuit open, failing fast")
		}
		return "", err
	}

	return trimJSONFence(result.(string)), nil
}

// IsCircuitOpen reports whether model calls currently fail fast.
func (c *Client) IsCircuitOpen() bool {
	return c.cb.State() == gobreaker.StateOpen
}

// trimJSONFence strips ```json fences some models emit despite JSON mode.
func trimJSONFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
