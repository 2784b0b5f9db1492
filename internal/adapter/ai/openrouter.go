// Package ai implements the root-cause Analyzer on an OpenRouter-compatible
// chat-completions API, plus a deterministic mock for tests and local runs.
package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/fairyhunter13/testdock/internal/adapter/observability"
	"github.com/fairyhunter13/testdock/internal/config"
	"github.com/fairyhunter13/testdock/internal/domain"
)

const systemPrompt = `You are a senior test engineer. You are given the tail of a test run's console output from a containerized suite. Produce a concise markdown root-cause analysis: what failed, the most likely cause, and one or two concrete next steps. Quote at most three relevant log lines.`

// Client calls an OpenRouter-compatible chat completions endpoint.
type Client struct {
	cfg   config.Config
	httpc *http.Client

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewClient constructs a Client from config.
func NewClient(cfg config.Config) *Client {
	return &Client{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) backoffConfig() *backoff.ExponentialBackOff {
	maxElapsed, initial, maxInterval := c.cfg.AIBackoff()
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = maxElapsed
	expo.InitialInterval = initial
	expo.MaxInterval = maxInterval
	return expo
}

// budgetPrompt trims text to the configured token budget using the cl100k
// encoding; when the tokenizer cannot be loaded the raw text passes through
// (the caller already capped it by bytes).
func (c *Client) budgetPrompt(text string) string {
	if c.cfg.AIPromptTokens <= 0 {
		return text
	}
	c.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tokenizer unavailable, skipping token budget", slog.Any("error", err))
			return
		}
		c.enc = enc
	})
	if c.enc == nil || c.cfg.AIPromptTokens <= 0 {
		return text
	}
	toks := c.enc.Encode(text, nil, nil)
	if len(toks) <= c.cfg.AIPromptTokens {
		return text
	}
	return c.enc.Decode(toks[len(toks)-c.cfg.AIPromptTokens:])
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Analyze asks the model for a markdown analysis of the log tail. The hint
// carries flakiness context ("passed only after retries") when applicable.
func (c *Client) Analyze(ctx domain.Context, logTail, image, hint string) (string, error) {
	start := time.Now()
	user := fmt.Sprintf("Image: `%s`\n", image)
	if hint != "" {
		user += fmt.Sprintf("Context: %s\n", hint)
	}
	user += "\nConsole output tail:\n```\n" + c.budgetPrompt(logTail) + "\n```"

	reqBody := chatRequest{
		Model: c.cfg.OpenRouterModel,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("op=ai.analyze: marshal: %w", err)
	}

	var out string
	op := func() error {
		r, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OpenRouterBaseURL+"/chat/completions", bytes.NewReader(b))
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Authorization", "Bearer "+c.cfg.OpenRouterAPIKey)
		resp, err := c.httpc.Do(r)
		if err != nil {
			// Retryable: let backoff handle retries
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("chat status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			slog.Warn("ai provider 4xx",
				slog.String("provider", "openrouter"),
				slog.Int("status", resp.StatusCode),
				slog.String("model", c.cfg.OpenRouterModel))
			return backoff.Permanent(fmt.Errorf("chat status %d", resp.StatusCode))
		}
		var cr chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		if len(cr.Choices) == 0 || cr.Choices[0].Message.Content == "" {
			return backoff.Permanent(fmt.Errorf("empty completion"))
		}
		out = cr.Choices[0].Message.Content
		return nil
	}

	bo := backoff.WithContext(c.backoffConfig(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		observability.AIRequestsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("op=ai.analyze: %w", err)
	}
	observability.AIRequestsTotal.WithLabelValues("ok").Inc()
	observability.AIRequestDuration.Observe(time.Since(start).Seconds())
	return out, nil
}
