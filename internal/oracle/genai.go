package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"toolforge/internal/logging"
)

// =============================================================================
// GOOGLE GENAI CLIENT
// =============================================================================

// GenAIClient generates text with Google's Gemini API.
type GenAIClient struct {
	client *genai.Client
	opts   Options
}

// NewGenAIClient creates a Gemini client.
func NewGenAIClient(ctx context.Context, opts Options) (*GenAIClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if opts.Model == "" {
		opts.Model = "gemini-2.5-pro"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}

	cc := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIClient{client: client, opts: opts}, nil
}

// Generate sends the prompt as a single user turn with a system instruction.
func (c *GenAIClient) Generate(ctx context.Context, p Prompt) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	start := time.Now()
	logging.OracleDebug("[GenAI] Generate: model=%s system_len=%d user_len=%d", c.opts.Model, len(p.System), len(p.User))

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(c.opts.Temperature)),
	}
	if c.opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(c.opts.MaxTokens)
	}
	if strings.TrimSpace(p.System) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(p.System, genai.RoleUser)
	}

	contents := []*genai.Content{genai.NewContentFromText(p.User, genai.RoleUser)}
	resp, err := c.client.Models.GenerateContent(ctx, c.opts.Model, contents, cfg)
	if err != nil {
		logging.OracleError("[GenAI] Generate: %v", err)
		return "", unreachable("gemini", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", unusable("gemini", errors.New("empty completion"))
	}
	logging.Oracle("[GenAI] Generate: completed in %v response_len=%d", time.Since(start), len(text))
	return text, nil
}
