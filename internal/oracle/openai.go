package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"toolforge/internal/logging"
)

// OpenAIClient calls an OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	opts       Options
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewOpenAIClient creates a chat completions client.
func NewOpenAIClient(opts Options) *OpenAIClient {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 8192
	}
	return &OpenAIClient{
		opts:       opts,
		httpClient: &http.Client{},
		maxRetries: 3,
		backoff:    time.Second,
	}
}

// Generate sends the prompt and returns the first choice.
func (c *OpenAIClient) Generate(ctx context.Context, p Prompt) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	start := time.Now()
	logging.OracleDebug("[OpenAI] Generate: model=%s system_len=%d user_len=%d", c.opts.Model, len(p.System), len(p.User))

	if c.opts.APIKey == "" {
		return "", unreachable("openai", errors.New("API key not configured"))
	}

	var messages []chatMessage
	if strings.TrimSpace(p.System) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: p.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: p.User})

	body, err := json.Marshal(chatRequest{
		Model:       c.opts.Model,
		Messages:    messages,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: c.opts.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	// Retry loop for rate limits and server errors
	var lastErr error
	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return "", unreachable("openai", fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr))
			case <-time.After(c.backoff * time.Duration(1<<uint(i-1))):
			}
		}

		text, retry, err := c.do(ctx, body)
		if err == nil {
			logging.Oracle("[OpenAI] Generate: completed in %v response_len=%d", time.Since(start), len(text))
			return text, nil
		}
		if !retry {
			logging.OracleError("[OpenAI] Generate: %v", err)
			return "", err
		}
		lastErr = err
		logging.OracleWarn("[OpenAI] Generate: attempt %d failed: %v", i+1, err)
	}

	logging.OracleError("[OpenAI] Generate: max retries exceeded after %v: %v", time.Since(start), lastErr)
	return "", unreachable("openai", fmt.Errorf("max retries exceeded: %w", lastErr))
}

func (c *OpenAIClient) do(ctx context.Context, body []byte) (text string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.opts.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", false, unreachable("openai", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, unreachable("openai", err)
		}
		return "", true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", true, fmt.Errorf("rate limit exceeded (429)")
	case resp.StatusCode >= 500:
		return "", true, fmt.Errorf("server error %d: %s", resp.StatusCode, truncateBody(data))
	case resp.StatusCode != http.StatusOK:
		return "", false, unreachable("openai", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, truncateBody(data)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", false, unusable("openai", fmt.Errorf("failed to parse response: %w", err))
	}
	if parsed.Error != nil {
		return "", false, unusable("openai", fmt.Errorf("API error: %s", parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return "", false, unusable("openai", errors.New("no completion returned"))
	}
	text = strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return "", false, unusable("openai", errors.New("empty completion"))
	}
	return text, false, nil
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
