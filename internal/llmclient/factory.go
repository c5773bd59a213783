// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/config"
)

// NewClient creates a rate-limited LLMClient for a single model configuration.
func NewClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	var (
		client schemas.LLMClient
		err    error
	)
	switch cfg.Provider {
	case config.ProviderGemini:
		client, err = NewGeminiClient(ctx, cfg, logger)
	case config.ProviderOpenAI, config.ProviderAnthropic, config.ProviderOllama:
		client, err = NewLangChainClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return WithRateLimit(client, cfg.RequestsPerMinute), nil
}

// NewRouterFromConfig resolves the default fast and powerful models and wires
// them into a router. Both tiers may name the same model.
func NewRouterFromConfig(ctx context.Context, cfg config.LLMRouterConfig, logger *zap.Logger) (*LLMRouter, error) {
	build := func(name string) (schemas.LLMClient, error) {
		m, ok := cfg.Models[name]
		if !ok {
			return nil, fmt.Errorf("model %q is not defined under llm.models", name)
		}
		if m.Model == "" {
			m.Model = name
		}
		return NewClient(ctx, m, logger)
	}

	fast, err := build(cfg.DefaultFastModel)
	if err != nil {
		return nil, fmt.Errorf("fast tier: %w", err)
	}
	powerful := fast
	if cfg.DefaultPowerfulModel != cfg.DefaultFastModel {
		if powerful, err = build(cfg.DefaultPowerfulModel); err != nil {
			_ = fast.Close()
			return nil, fmt.Errorf("powerful tier: %w", err)
		}
	}
	return NewLLMRouter(logger, fast, powerful)
}
