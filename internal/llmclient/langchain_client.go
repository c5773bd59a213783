package llmclient

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/config"
)

// LangChainClient implements schemas.LLMClient for the OpenAI, Anthropic and
// Ollama providers through a langchaingo chat model.
type LangChainClient struct {
	model  llms.Model
	cfg    config.LLMModelConfig
	logger *zap.Logger
}

// NewLangChainClient builds the langchaingo model for cfg.Provider.
func NewLangChainClient(cfg config.LLMModelConfig, logger *zap.Logger) (*LangChainClient, error) {
	model, err := newLangChainModel(cfg)
	if err != nil {
		return nil, err
	}
	return &LangChainClient{
		model:  model,
		cfg:    cfg,
		logger: logger.Named("llm_client." + string(cfg.Provider)),
	}, nil
}

func newLangChainModel(cfg config.LLMModelConfig) (llms.Model, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		opts := []openai.Option{openai.WithToken(cfg.APIKey), openai.WithModel(cfg.Model)}
		if cfg.Endpoint != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Endpoint))
		}
		return openai.New(opts...)
	case config.ProviderAnthropic:
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey), anthropic.WithModel(cfg.Model)}
		if cfg.Endpoint != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.Endpoint))
		}
		return anthropic.New(opts...)
	case config.ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.Endpoint != "" {
			opts = append(opts, ollama.WithServerURL(cfg.Endpoint))
		}
		return ollama.New(opts...)
	}
	return nil, fmt.Errorf("provider %q is not served by langchaingo", cfg.Provider)
}

// Generate sends a system + human message pair and returns the first choice.
func (c *LangChainClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	if c.cfg.APITimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.APITimeout)
		defer cancel()
	}

	var messages []llms.MessageContent
	if req.SystemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.SystemPrompt))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.UserPrompt))

	start := time.Now()
	resp, err := c.model.GenerateContent(ctx, messages, c.callOptions(req)...)
	if err != nil {
		return "", schemas.NewError(schemas.ErrCodeProvider, "llm."+string(c.cfg.Provider), err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return "", schemas.Errorf(schemas.ErrCodeProvider, "llm."+string(c.cfg.Provider), "model returned no content")
	}
	c.logger.Debug("LLM generation complete",
		zap.String("model", c.cfg.Model),
		zap.Duration("duration", time.Since(start)))
	return resp.Choices[0].Content, nil
}

func (c *LangChainClient) callOptions(req schemas.GenerationRequest) []llms.CallOption {
	temp := req.Options.Temperature
	if temp == 0 {
		temp = float64(c.cfg.Temperature)
	}
	opts := []llms.CallOption{llms.WithTemperature(temp)}
	if req.Options.ForceJSONFormat {
		opts = append(opts, llms.WithJSONMode())
	}
	if req.Options.TopP > 0 {
		opts = append(opts, llms.WithTopP(req.Options.TopP))
	}
	if c.cfg.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.cfg.MaxTokens))
	}
	return opts
}

// Close is a no-op; langchaingo models share the default HTTP transport.
func (c *LangChainClient) Close() error { return nil }
