package llmclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/config"
)

// openAIServer mimics the chat completions endpoint and records the last body.
func openAIServer(t *testing.T, content string, lastBody *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if lastBody != nil {
			lastBody.Store(string(body))
		}
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"c1","object":"chat.completion","created":1,"model":"test-model",
"choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],
"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`, content)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func geminiServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":generateContent") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":%q}]},"finishReason":"STOP"}],
"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}`, content)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClient_UnknownProvider(t *testing.T) {
	logger, _ := setupTestLogger(t)
	_, err := NewClient(context.Background(), config.LLMModelConfig{Provider: "acme"}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported LLM provider")
}

func TestNewClient_GeminiRequiresKey(t *testing.T) {
	logger, _ := setupTestLogger(t)
	cfg := validModelConfig(config.ProviderGemini, "")
	cfg.APIKey = ""
	_, err := NewClient(context.Background(), cfg, logger)
	require.Error(t, err)
}

func TestLangChainClient_OpenAI(t *testing.T) {
	var lastBody atomic.Value
	srv := openAIServer(t, `{"steps":[]}`, &lastBody)
	logger, _ := setupTestLogger(t)

	client, err := NewClient(context.Background(), validModelConfig(config.ProviderOpenAI, srv.URL), logger)
	require.NoError(t, err)
	defer client.Close()

	out, err := client.Generate(context.Background(), schemas.GenerationRequest{
		SystemPrompt: "You are a planner.",
		UserPrompt:   "Click submit.",
		Options:      schemas.GenerationOptions{Temperature: 0.2, ForceJSONFormat: true},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"steps":[]}`, out)

	body := lastBody.Load().(string)
	assert.Contains(t, body, "You are a planner.")
	assert.Contains(t, body, "Click submit.")
	assert.Contains(t, body, "json_object")
}

func TestLangChainClient_ServerErrorIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()
	logger, _ := setupTestLogger(t)

	client, err := NewLangChainClient(validModelConfig(config.ProviderOpenAI, srv.URL), logger)
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, schemas.ErrCodeProvider, schemas.CodeOf(err))
}

func TestGeminiClient_Generate(t *testing.T) {
	srv := geminiServer(t, "hello from gemini")
	logger, _ := setupTestLogger(t)

	client, err := NewGeminiClient(context.Background(), validModelConfig(config.ProviderGemini, srv.URL), logger)
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), schemas.GenerationRequest{SystemPrompt: "sys", UserPrompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello from gemini", out)
}

func TestNewRouterFromConfig(t *testing.T) {
	srv := openAIServer(t, "ok", nil)
	logger, _ := setupTestLogger(t)

	cfg := config.LLMRouterConfig{
		DefaultFastModel:     "small",
		DefaultPowerfulModel: "small",
		Models: map[string]config.LLMModelConfig{
			"small": validModelConfig(config.ProviderOpenAI, srv.URL),
		},
	}
	router, err := NewRouterFromConfig(context.Background(), cfg, logger)
	require.NoError(t, err)
	assert.Same(t, router.clients[schemas.TierFast], router.clients[schemas.TierPowerful])

	cfg.DefaultPowerfulModel = "missing"
	_, err = NewRouterFromConfig(context.Background(), cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "powerful tier")
}

func TestWithRateLimit(t *testing.T) {
	inner := &MockLLMClient{}
	inner.On("Generate", mock.Anything, mock.Anything).Return("ok", nil)

	assert.Same(t, inner, WithRateLimit(inner, 0), "non-positive limit leaves the client unwrapped")

	limited := WithRateLimit(inner, 1) // one request per minute, burst of one
	_, err := limited.Generate(context.Background(), schemas.GenerationRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = limited.Generate(ctx, schemas.GenerationRequest{})
	require.Error(t, err, "second request must wait beyond the context deadline")
	inner.AssertNumberOfCalls(t, "Generate", 1)
}
