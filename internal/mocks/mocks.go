// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
	"github.com/xkilldash9x/scalpel-harvest/internal/config"
)

// -- Config Mock --

// MockConfig mocks config.Interface.
type MockConfig struct {
	mock.Mock
}

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Orchestrator() config.OrchestratorConfig {
	args := m.Called()
	return args.Get(0).(config.OrchestratorConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Network() config.NetworkConfig {
	args := m.Called()
	return args.Get(0).(config.NetworkConfig)
}

func (m *MockConfig) Identity() config.IdentityConfig {
	args := m.Called()
	return args.Get(0).(config.IdentityConfig)
}

func (m *MockConfig) Proxy() config.ProxyConfig {
	args := m.Called()
	return args.Get(0).(config.ProxyConfig)
}

func (m *MockConfig) Behavior() config.BehaviorConfig {
	args := m.Called()
	return args.Get(0).(config.BehaviorConfig)
}

func (m *MockConfig) Method() config.MethodConfig {
	args := m.Called()
	return args.Get(0).(config.MethodConfig)
}

func (m *MockConfig) Vision() config.VisionConfig {
	args := m.Called()
	return args.Get(0).(config.VisionConfig)
}

func (m *MockConfig) Sink() config.SinkConfig {
	args := m.Called()
	return args.Get(0).(config.SinkConfig)
}

func (m *MockConfig) Metrics() config.MetricsConfig {
	args := m.Called()
	return args.Get(0).(config.MetricsConfig)
}

// --- Setters ---

func (m *MockConfig) SetMaxConcurrentTasks(n int)    { m.Called(n) }
func (m *MockConfig) SetBrowserHeadless(b bool)      { m.Called(b) }
func (m *MockConfig) SetSinkType(t string)           { m.Called(t) }
func (m *MockConfig) SetMetricsAddr(addr string)     { m.Called(addr) }
func (m *MockConfig) SetProxyImportFile(path string) { m.Called(path) }

// -- Storage Mocks --

// MockResultSink mocks schemas.ResultSink.
type MockResultSink struct {
	mock.Mock
}

func (m *MockResultSink) Save(ctx context.Context, result schemas.TaskResult) error {
	args := m.Called(ctx, result)
	return args.Error(0)
}

func (m *MockResultSink) Latest(ctx context.Context, taskID string) ([]schemas.Item, error) {
	args := m.Called(ctx, taskID)
	items, _ := args.Get(0).([]schemas.Item)
	return items, args.Error(1)
}

// MockPoolStore mocks schemas.PoolStore.
type MockPoolStore struct {
	mock.Mock
}

func (m *MockPoolStore) LoadIdentities(ctx context.Context) ([]schemas.Identity, error) {
	args := m.Called(ctx)
	ids, _ := args.Get(0).([]schemas.Identity)
	return ids, args.Error(1)
}

func (m *MockPoolStore) SaveIdentities(ctx context.Context, identities []schemas.Identity) error {
	return m.Called(ctx, identities).Error(0)
}

func (m *MockPoolStore) LoadProxies(ctx context.Context) ([]schemas.Proxy, error) {
	args := m.Called(ctx)
	proxies, _ := args.Get(0).([]schemas.Proxy)
	return proxies, args.Error(1)
}

func (m *MockPoolStore) SaveProxies(ctx context.Context, proxies []schemas.Proxy) error {
	return m.Called(ctx, proxies).Error(0)
}

// -- Browser Mock --

// MockBrowserProvider mocks schemas.BrowserSessionProvider.
type MockBrowserProvider struct {
	mock.Mock
}

func (m *MockBrowserProvider) OpenSession(ctx context.Context, identity schemas.Identity, proxy *schemas.Proxy, browserType schemas.BrowserType, viewport schemas.Viewport) (schemas.SessionHandle, error) {
	args := m.Called(ctx, identity, proxy, browserType, viewport)
	return args.Get(0).(schemas.SessionHandle), args.Error(1)
}

func (m *MockBrowserProvider) PerformAction(ctx context.Context, handle schemas.SessionHandle, action schemas.Action) (schemas.ActionResult, error) {
	args := m.Called(ctx, handle, action)
	return args.Get(0).(schemas.ActionResult), args.Error(1)
}

func (m *MockBrowserProvider) CloseSession(ctx context.Context, handle schemas.SessionHandle) error {
	return m.Called(ctx, handle).Error(0)
}
