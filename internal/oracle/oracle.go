// Package oracle talks to the code-generation model that writes install
// scripts and adapter code.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"toolforge/internal/config"
)

// Prompt is one request to the oracle.
type Prompt struct {
	System string
	User   string
}

// Oracle generates text for a prompt.
type Oracle interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, p Prompt) (string, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, p Prompt) (string, error) {
	return f(ctx, p)
}

// ErrGenerationFailed is the sentinel every GenerationFailure unwraps to.
var ErrGenerationFailed = errors.New("generation failed")

// FailureReason says why the oracle produced nothing usable.
type FailureReason string

const (
	// Unreachable covers transport errors, rejected requests and timeouts.
	Unreachable FailureReason = "unreachable"
	// Unusable covers empty or malformed responses.
	Unusable FailureReason = "unusable"
)

// GenerationFailure is returned when the oracle could not produce output.
type GenerationFailure struct {
	Reason   FailureReason
	Provider string
	Err      error
}

func (e *GenerationFailure) Error() string {
	who := "oracle"
	if e.Provider != "" {
		who += " " + e.Provider
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", who, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", who, e.Reason, e.Err)
}

func (e *GenerationFailure) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrGenerationFailed}
	}
	return []error{ErrGenerationFailed, e.Err}
}

func unreachable(provider string, err error) error {
	return &GenerationFailure{Reason: Unreachable, Provider: provider, Err: err}
}

func unusable(provider string, err error) error {
	return &GenerationFailure{Reason: Unusable, Provider: provider, Err: err}
}

// Options are the settings shared by every client.
type Options struct {
	APIKey      string
	Model       string
	BaseURL     string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

// New builds the client named by cfg.Provider.
func New(cfg *config.Config) (Oracle, error) {
	if err := cfg.RequireOracleKey(); err != nil {
		return nil, err
	}
	opts := Options{
		APIKey:      cfg.Oracle.APIKey,
		Model:       cfg.Oracle.Model,
		BaseURL:     cfg.Oracle.BaseURL,
		Timeout:     cfg.GetOracleTimeout(),
		MaxTokens:   cfg.Oracle.MaxTokens,
		Temperature: cfg.Oracle.Temperature,
	}
	switch cfg.Oracle.Provider {
	case "openai", "":
		return NewOpenAIClient(opts), nil
	case "gemini":
		// The OpenAI default base URL is meaningless to the genai SDK.
		if opts.BaseURL == config.DefaultConfig().Oracle.BaseURL {
			opts.BaseURL = ""
		}
		if opts.Model == config.DefaultConfig().Oracle.Model {
			opts.Model = ""
		}
		return NewGenAIClient(context.Background(), opts)
	default:
		return nil, fmt.Errorf("unknown oracle provider: %s", cfg.Oracle.Provider)
	}
}
