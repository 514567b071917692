// Package llm wraps the OpenAI-compatible chat completion API used for
// routing, answer generation, groundedness judging, and summarization.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/harborline/supportd/internal/config"
	"github.com/harborline/supportd/internal/metrics"
	"github.com/harborline/supportd/internal/tracing"
	"github.com/harborline/supportd/internal/util"
)

// Request is a single prompted completion. Purpose labels the call for
// metrics and logs.
type Request struct {
	Purpose     string
	System      string
	User        string
	Temperature float32
	MaxTokens   int
}

// Client issues chat completions against the configured model.
type Client struct {
	api    *openai.Client
	model  string
	logger *zap.Logger
}

// NewClient creates an LLM client. BaseURL overrides the API endpoint for
// OpenAI-compatible gateways and test servers.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	apiCfg.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: tracing.NewTransport(nil),
	}

	return &Client{
		api:    openai.NewClientWithConfig(apiCfg),
		model:  cfg.Model,
		logger: logger,
	}
}

// Complete sends the prompt and returns the trimmed completion text.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.User,
	})

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		metrics.RecordLLMMetrics(req.Purpose, "error", time.Since(start).Seconds())
		c.logger.Warn("Chat completion failed",
			zap.String("purpose", req.Purpose),
			zap.Error(err),
		)
		return "", fmt.Errorf("chat completion (%s): %w", req.Purpose, err)
	}
	if len(resp.Choices) == 0 {
		metrics.RecordLLMMetrics(req.Purpose, "empty", time.Since(start).Seconds())
		return "", fmt.Errorf("chat completion (%s): no choices returned", req.Purpose)
	}
	metrics.RecordLLMMetrics(req.Purpose, "ok", time.Since(start).Seconds())
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

const summarizePrompt = `Summarize the following customer support conversation in a few sentences.
Capture the customer's issue, any identifiers mentioned (order numbers, emails), and the current resolution state.
Write in the third person and keep it under %d characters.`

// Summarize condenses a role-prefixed transcript into a short summary
// capped at maxChars.
func (c *Client) Summarize(ctx context.Context, transcript string, maxChars int) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", nil
	}
	if maxChars <= 0 {
		maxChars = 256
	}

	out, err := c.Complete(ctx, Request{
		Purpose:     "summarize",
		System:      fmt.Sprintf(summarizePrompt, maxChars),
		User:        transcript,
		Temperature: 0.2,
		MaxTokens:   200,
	})
	if err != nil {
		metrics.SummariesGenerated.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.SummariesGenerated.WithLabelValues("ok").Inc()
	return util.TruncateString(out, maxChars, true), nil
}
