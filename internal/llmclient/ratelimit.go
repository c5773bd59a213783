package llmclient

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
)

// RateLimitedClient throttles calls to an underlying client. Concurrent
// sessions sharing a provider key queue on the same limiter.
type RateLimitedClient struct {
	inner   schemas.LLMClient
	limiter *rate.Limiter
}

// WithRateLimit wraps c so that at most perMinute requests start per minute.
// A non-positive perMinute returns c unchanged.
func WithRateLimit(c schemas.LLMClient, perMinute int) schemas.LLMClient {
	if perMinute <= 0 {
		return c
	}
	every := time.Minute / time.Duration(perMinute)
	return &RateLimitedClient{inner: c, limiter: rate.NewLimiter(rate.Every(every), 1)}
}

func (r *RateLimitedClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.inner.Generate(ctx, req)
}

func (r *RateLimitedClient) Close() error { return r.inner.Close() }
