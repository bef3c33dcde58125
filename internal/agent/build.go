package agent

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jkaninda/safeshell/internal/config"
	"github.com/jkaninda/safeshell/internal/llm"
	"github.com/jkaninda/safeshell/internal/llm/openai"
	"github.com/jkaninda/safeshell/internal/observability"
	"github.com/jkaninda/safeshell/internal/tools"
)

// NewProvider builds the chat provider for the agent from config: an
// OpenAI-compatible client for the agent base URL, optionally falling back to
// the Ollama URL, wrapped with observability.
func NewProvider(cfg *config.Config, obs *observability.Observability, logger *slog.Logger) (llm.Provider, error) {
	ac := cfg.Agent
	if strings.TrimSpace(ac.ModelID) == "" {
		return nil, fmt.Errorf("agent model id is empty")
	}
	if err := checkURL(ac.BaseURL); err != nil {
		return nil, fmt.Errorf("agent base url: %w", err)
	}

	model := openai.ModelName(ac.ModelID)
	primary := openai.NewClient(ac.APIKey, model, logger,
		openai.WithBaseURL(ac.BaseURL),
		openai.WithName(providerName(ac.ModelID)),
	)

	var provider llm.Provider = primary
	if ac.Fallback && strings.TrimRight(cfg.Ollama.BaseURL, "/") != strings.TrimRight(ac.BaseURL, "/") {
		secondary := openai.NewClient("", model, logger,
			openai.WithBaseURL(cfg.Ollama.BaseURL),
			openai.WithName("ollama"),
		)
		fp, err := llm.NewFallbackProvider(logger, primary, secondary)
		if err != nil {
			return nil, err
		}
		provider = fp
	}

	return observability.NewInstrumentedProvider(provider, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil()), nil
}

// NewBuilder returns a Builder that wires provider, registry and limits.
func NewBuilder(cfg *config.Config, registry *tools.Registry, obs *observability.Observability, logger *slog.Logger) Builder {
	return func() (Agent, error) {
		provider, err := NewProvider(cfg, obs, logger)
		if err != nil {
			return nil, err
		}
		return NewOrchestrator(provider, cfg.Agent.SystemPrompt, logger).
			WithTools(registry).
			WithObservability(obs).
			WithMaxIterations(cfg.Agent.MaxIterations).
			WithToolCache(DefaultToolCacheTTL), nil
	}
}

// providerName derives a metrics label from a model id such as "ollama_chat/llama3".
func providerName(modelID string) string {
	prefix, _, found := strings.Cut(modelID, "/")
	if !found {
		return "openai"
	}
	if strings.HasPrefix(prefix, "ollama") {
		return "ollama"
	}
	return prefix
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme in %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
