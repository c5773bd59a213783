// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/config"
)

// GeminiClient implements schemas.LLMClient on top of the Google GenAI SDK.
type GeminiClient struct {
	client *genai.Client
	cfg    config.LLMModelConfig
	logger *zap.Logger
}

// NewGeminiClient initializes the SDK client. cfg.Endpoint overrides the API
// base URL, which tests point at a local server.
func NewGeminiClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API Key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiClient{
		client: client,
		cfg:    cfg,
		logger: logger.Named("llm_client.gemini"),
	}, nil
}

// Generate sends the prompts to Gemini and returns the text of the first candidate.
func (c *GeminiClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	if c.cfg.APITimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.APITimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.cfg.Model, genai.Text(req.UserPrompt), c.buildConfig(req))
	if err != nil {
		return "", schemas.NewError(schemas.ErrCodeProvider, "llm.gemini", err)
	}
	text := resp.Text()
	if text == "" {
		reason := ""
		if len(resp.Candidates) > 0 {
			reason = string(resp.Candidates[0].FinishReason)
		}
		return "", schemas.Errorf(schemas.ErrCodeProvider, "llm.gemini", "empty response (finish reason %q)", reason)
	}

	fields := []zap.Field{zap.String("model", c.cfg.Model), zap.Duration("duration", time.Since(start))}
	if resp.UsageMetadata != nil {
		fields = append(fields, zap.Int32("total_tokens", resp.UsageMetadata.TotalTokenCount))
	}
	c.logger.Debug("LLM generation complete", fields...)
	return text, nil
}

func (c *GeminiClient) buildConfig(req schemas.GenerationRequest) *genai.GenerateContentConfig {
	temp := float32(req.Options.Temperature)
	if temp == 0 {
		temp = c.cfg.Temperature
	}
	gc := &genai.GenerateContentConfig{Temperature: genai.Ptr(temp)}
	if req.SystemPrompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Options.ForceJSONFormat {
		gc.ResponseMIMEType = "application/json"
	}
	if topP := float32(req.Options.TopP); topP > 0 {
		gc.TopP = genai.Ptr(topP)
	} else if c.cfg.TopP > 0 {
		gc.TopP = genai.Ptr(c.cfg.TopP)
	}
	if c.cfg.TopK > 0 {
		gc.TopK = genai.Ptr(float32(c.cfg.TopK))
	}
	if c.cfg.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(c.cfg.MaxTokens)
	}
	return gc
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (c *GeminiClient) Close() error { return nil }
