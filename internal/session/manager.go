// internal/session/manager.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
	"github.com/xkilldash9x/scalpel-harvest/internal/config"
)

// IdentitySource is the part of the identity pool the manager needs.
type IdentitySource interface {
	Acquire(ctx context.Context, criteria schemas.IdentityCriteria) (schemas.Identity, error)
	Release(identityID string)
	UpdateCookies(identityID string, cookies []schemas.Cookie)
}

// ProxySource is the part of the proxy pool the manager needs.
type ProxySource interface {
	Acquire(sessionKey string, criteria schemas.ProxyCriteria) *schemas.Proxy
	Release(sessionKey string)
}

// Publisher receives session events.
type Publisher interface {
	Publish(ev schemas.SessionEvent)
}

// Config holds lease defaults.
type Config struct {
	DefaultBrowser    schemas.BrowserType
	DefaultViewport   schemas.Viewport
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
	CloseTimeout      time.Duration
	EventLogSize      int
}

// ConfigFromBrowser derives lease defaults from the browser section.
func ConfigFromBrowser(cfg config.BrowserConfig) Config {
	return Config{
		DefaultBrowser:    schemas.BrowserType(cfg.DefaultType),
		DefaultViewport:   schemas.Viewport{Width: cfg.Viewport.Width, Height: cfg.Viewport.Height, DeviceScaleFactor: 1},
		NavigationTimeout: cfg.NavigationTimeout,
		ActionTimeout:     cfg.ActionTimeout,
	}
}

func (c *Config) normalize() {
	if c.DefaultBrowser == "" {
		c.DefaultBrowser = schemas.BrowserChrome
	}
	if c.DefaultViewport.Width <= 0 || c.DefaultViewport.Height <= 0 {
		c.DefaultViewport = schemas.Viewport{Width: 1366, Height: 768, DeviceScaleFactor: 1}
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 30 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 10 * time.Second
	}
	if c.EventLogSize <= 0 {
		c.EventLogSize = 100
	}
}

// Request describes what one method attempt needs.
type Request struct {
	TaskID          string
	Method          schemas.Method
	Options         schemas.TaskOptions
	RequiresBrowser bool
}

// Manager leases sessions and guarantees every acquired resource is returned.
type Manager struct {
	identities IdentitySource
	proxies    ProxySource
	provider   schemas.BrowserSessionProvider
	bus        Publisher
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.Mutex
	active map[string]*Session
}

// NewManager wires a lease manager. proxies, provider and bus may be nil.
func NewManager(identities IdentitySource, proxies ProxySource, provider schemas.BrowserSessionProvider, bus Publisher, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.normalize()
	return &Manager{
		identities: identities,
		proxies:    proxies,
		provider:   provider,
		bus:        bus,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "session_manager")),
		now:        time.Now,
		active:     make(map[string]*Session),
	}
}

// Lease acquires an identity, then a proxy, then a browser session. Any
// failure releases what was already acquired in reverse order.
func (m *Manager) Lease(ctx context.Context, req Request) (*Session, error) {
	s := &Session{
		ID:        uuid.NewString(),
		TaskID:    req.TaskID,
		Method:    req.Method,
		CreatedAt: m.now(),
		mgr:       m,
		status:    schemas.SessionInitializing,
	}
	s.lastActivity = s.CreatedAt
	s.logger = m.logger.With(zap.String("session_id", s.ID), zap.String("task_id", req.TaskID), zap.String("method", string(req.Method)))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	identityCriteria := req.Options.Identity
	if identityCriteria.Sticky {
		identityCriteria.StickyKey = req.TaskID
	}
	ident, err := m.identities.Acquire(ctx, identityCriteria)
	if err != nil {
		return nil, fmt.Errorf("leasing identity: %w", err)
	}
	s.Identity = ident
	s.identityHeld = true

	if m.proxies != nil {
		proxyCriteria := req.Options.Proxy
		proxyCriteria.StickyKey = req.TaskID
		s.Proxy = m.proxies.Acquire(s.ID, proxyCriteria)
		s.proxyHeld = s.Proxy != nil
		if s.Proxy == nil && !proxyCriteria.Disabled {
			s.logger.Debug("Proceeding without proxy")
		}
	}

	s.BrowserType = m.browserType(req.Options, ident)
	s.Viewport = m.viewport(req.Options, ident)

	if req.RequiresBrowser {
		if m.provider == nil {
			m.rollback(s)
			return nil, fmt.Errorf("no browser provider configured: %w", schemas.ErrSessionUnavailable)
		}
		handle, err := m.provider.OpenSession(ctx, ident, s.Proxy, s.BrowserType, s.Viewport)
		if err != nil {
			m.rollback(s)
			return nil, fmt.Errorf("%w: %w", schemas.ErrSessionUnavailable, err)
		}
		s.Handle = handle
		s.browserOpen = true
	}

	s.status = schemas.SessionReady
	m.mu.Lock()
	m.active[s.ID] = s
	m.mu.Unlock()

	fields := []zap.Field{zap.String("identity_id", ident.ID), zap.Bool("browser", s.browserOpen)}
	if s.Proxy != nil {
		fields = append(fields, zap.String("proxy_id", s.Proxy.ID))
	}
	s.logger.Debug("Session leased", fields...)
	s.emit(schemas.EventSessionCreated, "", "")
	return s, nil
}

// rollback undoes a partial lease in reverse acquisition order.
func (m *Manager) rollback(s *Session) {
	if s.proxyHeld {
		m.proxies.Release(s.ID)
		s.proxyHeld = false
	}
	if s.identityHeld {
		m.identities.Release(s.Identity.ID)
		s.identityHeld = false
	}
	s.status = schemas.SessionClosed
	s.released = true
}

func (m *Manager) browserType(opts schemas.TaskOptions, ident schemas.Identity) schemas.BrowserType {
	switch {
	case opts.Identity.BrowserType != "":
		return opts.Identity.BrowserType
	case ident.Fingerprint.BrowserType != "":
		return ident.Fingerprint.BrowserType
	default:
		return m.cfg.DefaultBrowser
	}
}

// viewport prefers the task's request, then the screen of a handheld
// identity, then the configured default.
func (m *Manager) viewport(opts schemas.TaskOptions, ident schemas.Identity) schemas.Viewport {
	if opts.Viewport != nil && opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
		return *opts.Viewport
	}
	fp := ident.Fingerprint
	if fp.DeviceType == schemas.DeviceMobile || fp.DeviceType == schemas.DeviceTablet {
		if fp.Screen.Width > 0 && fp.Screen.Height > 0 {
			return schemas.Viewport{
				Width:             fp.Screen.Width,
				Height:            fp.Screen.Height,
				DeviceScaleFactor: fp.Screen.PixelRatio,
				Mobile:            true,
			}
		}
	}
	return m.cfg.DefaultViewport
}

// ReleaseAll closes the browser, releases the proxy and releases the
// identity. It is idempotent and tolerates partially initialized sessions.
func (m *Manager) ReleaseAll(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	browserOpen, proxyHeld, identityHeld := s.browserOpen, s.proxyHeld, s.identityHeld
	s.browserOpen, s.proxyHeld, s.identityHeld = false, false, false
	s.status = schemas.SessionClosed
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.active, s.ID)
	m.mu.Unlock()

	// Closing must happen even when the caller's context is already cancelled.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CloseTimeout)
	defer cancel()

	var errs []error
	if browserOpen {
		if exporter, ok := m.provider.(schemas.CookieExporter); ok && identityHeld {
			cookies, err := exporter.ExportCookies(closeCtx, s.Handle)
			if err != nil {
				s.logger.Debug("Could not export cookies", zap.Error(err))
			} else if len(cookies) > 0 {
				m.identities.UpdateCookies(s.Identity.ID, cookies)
			}
		}
		if err := m.provider.CloseSession(closeCtx, s.Handle); err != nil {
			s.logger.Warn("Failed to close browser session", zap.Error(err))
			errs = append(errs, fmt.Errorf("closing browser session: %w", err))
		}
	}
	if proxyHeld {
		m.proxies.Release(s.ID)
	}
	if identityHeld {
		m.identities.Release(s.Identity.ID)
	}

	s.emit(schemas.EventSessionClosed, "", "")
	s.logger.Debug("Session released")
	return errors.Join(errs...)
}

// ReleaseTask force-closes every live session leased for taskID and returns how many there were.
func (m *Manager) ReleaseTask(ctx context.Context, taskID string) int {
	m.mu.Lock()
	var owned []*Session
	for _, s := range m.active {
		if s.TaskID == taskID {
			owned = append(owned, s)
		}
	}
	m.mu.Unlock()

	for _, s := range owned {
		if err := m.ReleaseAll(ctx, s); err != nil {
			m.logger.Warn("Error releasing task session", zap.String("task_id", taskID), zap.String("session_id", s.ID), zap.Error(err))
		}
	}
	return len(owned)
}

// Active lists live sessions ordered by creation time.
func (m *Manager) Active() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CloseAll releases every live session. Used at shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		_ = m.ReleaseAll(ctx, s)
	}
}
