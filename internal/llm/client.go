// Package llm provides text-completion clients for the analysis engine.
// Each provider takes a single user prompt and returns the full
// response text; there is no streaming and no tool use.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/vigil/internal/config"
)

// Completer sends one prompt and returns the generated text.
type Completer interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// ErrEmptyResponse is returned when a provider answers without text.
var ErrEmptyResponse = errors.New("empty response")

// Default models per provider.
const (
	DefaultAnthropicModel = "claude-sonnet-4-20250514"
	DefaultGeminiModel    = "gemini-2.0-flash"
	DefaultOllamaModel    = "llama3.2"
)

// New builds the completer described by cfg. It returns nil with a nil
// error when no provider is configured; callers treat that as "not
// initialized". Fallback providers that are not configured are skipped
// with a warning.
func New(cfg config.LLMConfig, logger *slog.Logger) (Completer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	if !cfg.Configured() {
		if cfg.Provider != "" {
			logger.Warn("llm provider set but credentials missing, analysis disabled", "provider", cfg.Provider)
		}
		return nil, nil
	}

	primary, err := newProvider(cfg.ProviderConfig, timeout, logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Fallback) == 0 {
		return primary, nil
	}

	chain := NewFallback(logger, Named{Name: cfg.Provider, Completer: primary})
	for _, fb := range cfg.Fallback {
		if !fb.Configured() {
			logger.Warn("skipping unconfigured fallback provider", "provider", fb.Provider)
			continue
		}
		c, err := newProvider(fb, timeout, logger)
		if err != nil {
			return nil, err
		}
		chain.Add(Named{Name: fb.Provider, Completer: c})
	}
	return chain, nil
}

func newProvider(p config.ProviderConfig, timeout time.Duration, logger *slog.Logger) (Completer, error) {
	switch p.Provider {
	case "anthropic":
		return NewAnthropicClient(p.APIKey, p.Model, p.BaseURL, timeout, logger), nil
	case "gemini":
		return NewGeminiClient(p.APIKey, p.Model, p.BaseURL, timeout, logger), nil
	case "ollama":
		return NewOllamaClient(p.BaseURL, p.Model, timeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", p.Provider)
	}
}

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}
