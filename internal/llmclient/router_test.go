package llmclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
)

func setupRouter(t *testing.T) (*LLMRouter, *MockLLMClient, *MockLLMClient, *observer.ObservedLogs) {
	t.Helper()
	logger, logs := setupTestLogger(t)
	fast := &MockLLMClient{Name: "fast"}
	powerful := &MockLLMClient{Name: "powerful"}

	router, err := NewLLMRouter(logger, fast, powerful)
	require.NoError(t, err)
	return router, fast, powerful, logs
}

func TestNewLLMRouter_MissingClients(t *testing.T) {
	logger, _ := setupTestLogger(t)
	_, err := NewLLMRouter(logger, nil, &MockLLMClient{})
	require.Error(t, err)
	_, err = NewLLMRouter(logger, &MockLLMClient{}, nil)
	require.Error(t, err)
}

func TestLLMRouter_RoutesByTier(t *testing.T) {
	router, fast, powerful, logs := setupRouter(t)
	ctx := context.Background()

	fastReq := schemas.GenerationRequest{UserPrompt: "rank", Tier: schemas.TierFast}
	fast.On("Generate", ctx, fastReq).Return("fast answer", nil).Once()

	out, err := router.Generate(ctx, fastReq)
	require.NoError(t, err)
	assert.Equal(t, "fast answer", out)

	// An empty tier defaults to the powerful model.
	defReq := schemas.GenerationRequest{UserPrompt: "plan"}
	powerful.On("Generate", ctx, defReq).Return("plan answer", nil).Once()

	out, err = router.Generate(ctx, defReq)
	require.NoError(t, err)
	assert.Equal(t, "plan answer", out)

	fast.AssertExpectations(t)
	powerful.AssertExpectations(t)

	routed := logs.FilterMessage("Routing LLM request").All()
	require.Len(t, routed, 2)
	assert.Equal(t, "powerful", routed[1].ContextMap()["tier"])
}

func TestLLMRouter_UnknownTier(t *testing.T) {
	router, _, _, _ := setupRouter(t)
	_, err := router.Generate(context.Background(), schemas.GenerationRequest{Tier: "exotic"})
	require.Error(t, err)
	assert.Equal(t, schemas.ErrCodeProvider, schemas.CodeOf(err))
}

func TestLLMRouter_PropagatesClientError(t *testing.T) {
	router, fast, _, _ := setupRouter(t)
	boom := errors.New("quota exceeded")
	fast.On("Generate", mock.Anything, mock.Anything).Return("", boom)

	_, err := router.Generate(context.Background(), schemas.GenerationRequest{Tier: schemas.TierFast})
	assert.ErrorIs(t, err, boom)
}

func TestLLMRouter_CloseSharedClientOnce(t *testing.T) {
	logger := zap.NewNop()
	shared := &MockLLMClient{}
	shared.On("Close").Return(nil).Once()

	router, err := NewLLMRouter(logger, shared, shared)
	require.NoError(t, err)
	require.NoError(t, router.Close())
	shared.AssertExpectations(t)
}
