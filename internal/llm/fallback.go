package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// FallbackProvider tries each provider in order until one answers.
// The agent uses it to fall back from the configured agent endpoint to the
// local Ollama chat endpoint.
type FallbackProvider struct {
	providers []Provider
	logger    *slog.Logger
}

// NewFallbackProvider returns an error when no provider is given.
func NewFallbackProvider(logger *slog.Logger, providers ...Provider) (*FallbackProvider, error) {
	if len(providers) == 0 {
		return nil, errors.New("fallback provider needs at least one provider")
	}
	return &FallbackProvider{providers: providers, logger: logger}, nil
}

func (f *FallbackProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	var errs []error
	for i, p := range f.providers {
		resp, err := p.SendMessage(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "fallback provider answered",
					slog.String("provider", p.Name()),
					slog.Int("attempt", i+1),
				)
			}
			return resp, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if ctx.Err() != nil {
			break
		}
		f.logger.WarnContext(ctx, "provider failed",
			slog.String("provider", p.Name()),
			slog.String("error", err.Error()),
			slog.Int("remaining", len(f.providers)-i-1),
		)
	}
	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

// Name returns the primary provider's name with a "+fallback" suffix.
func (f *FallbackProvider) Name() string {
	if len(f.providers) == 1 {
		return f.providers[0].Name()
	}
	return f.providers[0].Name() + "+fallback"
}
