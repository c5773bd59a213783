// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

func (m *MockConfig) Logger() config.LoggerConfig {
	return m.Called().Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	return m.Called().Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Agent() config.AgentConfig {
	return m.Called().Get(0).(config.AgentConfig)
}

func (m *MockConfig) LLM() config.LLMRouterConfig {
	return m.Called().Get(0).(config.LLMRouterConfig)
}

func (m *MockConfig) Store() config.StoreConfig {
	return m.Called().Get(0).(config.StoreConfig)
}

func (m *MockConfig) Metrics() config.MetricsConfig {
	return m.Called().Get(0).(config.MetricsConfig)
}

func (m *MockConfig) SetBrowserHeadless(b bool)              { m.Called(b) }
func (m *MockConfig) SetBrowserDriver(d string)              { m.Called(d) }
func (m *MockConfig) SetAgentSessionTimeout(d time.Duration) { m.Called(d) }
func (m *MockConfig) SetAgentConcurrency(n int)              { m.Called(n) }

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface.
type MockLLMClient struct {
	mock.Mock
}

// Generate provides a mock function for LLM calls.
func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error {
	return m.Called().Error(0)
}

// -- Planner Mock --

// MockPlanner mocks the schemas.Planner interface.
type MockPlanner struct {
	mock.Mock
}

func (m *MockPlanner) Plan(ctx context.Context, obj schemas.Objective, page *schemas.PageState) ([]schemas.Step, error) {
	args := m.Called(ctx, obj, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Step), args.Error(1)
}

func (m *MockPlanner) Replan(ctx context.Context, obj schemas.Objective, page *schemas.PageState, pc schemas.PlanContext) ([]schemas.Step, error) {
	args := m.Called(ctx, obj, page, pc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Step), args.Error(1)
}

// -- Store Mock --

// MockStore mocks the schemas.Store interface and keeps saved records so tests
// can inspect them without reaching into call arguments.
type MockStore struct {
	mock.Mock
	mu    sync.Mutex
	saved []*schemas.SessionRecord
}

func (m *MockStore) SaveSession(ctx context.Context, rec *schemas.SessionRecord) error {
	args := m.Called(ctx, rec)
	if args.Error(0) == nil {
		m.mu.Lock()
		m.saved = append(m.saved, rec)
		m.mu.Unlock()
	}
	return args.Error(0)
}

func (m *MockStore) GetSession(ctx context.Context, sessionID string) (*schemas.SessionRecord, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.SessionRecord), args.Error(1)
}

func (m *MockStore) Close() error {
	return m.Called().Error(0)
}

// Saved returns the records accepted so far.
func (m *MockStore) Saved() []*schemas.SessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*schemas.SessionRecord, len(m.saved))
	copy(out, m.saved)
	return out
}

// -- Browser Mock --

// MockBrowser mocks the schemas.Browser interface.
type MockBrowser struct {
	mock.Mock
}

func (m *MockBrowser) Navigate(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockBrowser) FindCandidates(ctx context.Context, t schemas.Target) ([]schemas.ElementDescription, error) {
	args := m.Called(ctx, t)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.ElementDescription), args.Error(1)
}

func (m *MockBrowser) Describe(ctx context.Context, h schemas.ElementHandle) (schemas.ElementDescription, error) {
	args := m.Called(ctx, h)
	return args.Get(0).(schemas.ElementDescription), args.Error(1)
}

func (m *MockBrowser) Act(ctx context.Context, h schemas.ElementHandle, kind schemas.ActionKind, value string) error {
	return m.Called(ctx, h, kind, value).Error(0)
}

func (m *MockBrowser) Snapshot(ctx context.Context) (*schemas.PageState, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.PageState), args.Error(1)
}

func (m *MockBrowser) WaitFor(ctx context.Context, cond schemas.WaitCondition, timeout time.Duration) error {
	return m.Called(ctx, cond, timeout).Error(0)
}

func (m *MockBrowser) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
