package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Named pairs a completer with the provider name used in logs.
type Named struct {
	Name      string
	Completer Completer
}

// FallbackClient tries each provider in order and returns the first
// success. Context cancellation stops the chain immediately.
type FallbackClient struct {
	providers []Named
	logger    *slog.Logger
}

// NewFallback creates a chain starting with the given providers.
func NewFallback(logger *slog.Logger, providers ...Named) *FallbackClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackClient{providers: providers, logger: logger}
}

// Add appends a provider to the chain.
func (f *FallbackClient) Add(p Named) {
	f.providers = append(f.providers, p)
}

// Complete implements [Completer].
func (f *FallbackClient) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if len(f.providers) == 0 {
		return "", errors.New("no providers configured")
	}
	var errs []error
	for i, p := range f.providers {
		text, err := p.Completer.Complete(ctx, prompt, maxTokens)
		if err == nil {
			if i > 0 {
				f.logger.Info("completion served by fallback provider", "provider", p.Name)
			}
			return text, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name, err))
		if ctx.Err() != nil {
			break
		}
		f.logger.Warn("completion provider failed", "provider", p.Name, "error", err)
	}
	return "", errors.Join(errs...)
}
