// internal/session/session.go
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
)

// Session is one leased bundle of identity, optional proxy and optional
// browser. It is owned by a single method attempt.
type Session struct {
	ID          string
	TaskID      string
	Method      schemas.Method
	Identity    schemas.Identity
	Proxy       *schemas.Proxy
	Handle      schemas.SessionHandle
	BrowserType schemas.BrowserType
	Viewport    schemas.Viewport
	CreatedAt   time.Time

	mgr    *Manager
	logger *zap.Logger

	mu           sync.Mutex
	status       schemas.SessionStatus
	lastActivity time.Time
	events       []schemas.SessionEvent
	released     bool

	// What was actually acquired, so rollback and release touch only that.
	identityHeld bool
	proxyHeld    bool
	browserOpen  bool
}

// Info is a point-in-time view of a session for status reporting.
type Info struct {
	ID           string                `json:"id"`
	TaskID       string                `json:"task_id"`
	Method       schemas.Method        `json:"method"`
	Status       schemas.SessionStatus `json:"status"`
	IdentityID   string                `json:"identity_id"`
	ProxyID      string                `json:"proxy_id,omitempty"`
	HasBrowser   bool                  `json:"has_browser"`
	CreatedAt    time.Time             `json:"created_at"`
	LastActivity time.Time             `json:"last_activity"`
}

// Status returns the current lifecycle state.
func (s *Session) Status() schemas.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// HasBrowser reports whether a provider session backs this lease.
func (s *Session) HasBrowser() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browserOpen
}

// LastActivity returns when the session last did anything.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Events returns a copy of the session's bounded event log.
func (s *Session) Events() []schemas.SessionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schemas.SessionEvent(nil), s.events...)
}

// Info snapshots the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:           s.ID,
		TaskID:       s.TaskID,
		Method:       s.Method,
		Status:       s.status,
		IdentityID:   s.Identity.ID,
		HasBrowser:   s.browserOpen,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
	if s.Proxy != nil {
		info.ProxyID = s.Proxy.ID
	}
	return info
}

// Perform runs one browser action with the configured timeout for its kind.
// A failed action moves the session to error; later actions may still run.
func (s *Session) Perform(ctx context.Context, action schemas.Action) (schemas.ActionResult, error) {
	s.mu.Lock()
	if s.status == schemas.SessionClosed {
		s.mu.Unlock()
		return schemas.ActionResult{}, schemas.ErrSessionClosed
	}
	if !s.browserOpen {
		s.mu.Unlock()
		return schemas.ActionResult{}, fmt.Errorf("session %s has no browser", s.ID)
	}
	s.status = schemas.SessionRunning
	s.lastActivity = s.mgr.now()
	s.mu.Unlock()

	timeout := action.Timeout
	if timeout <= 0 {
		timeout = s.mgr.cfg.ActionTimeout
		if action.Kind == schemas.ActionNavigate {
			timeout = s.mgr.cfg.NavigationTimeout
		}
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := s.mgr.provider.PerformAction(actx, s.Handle, action)

	s.mu.Lock()
	s.lastActivity = s.mgr.now()
	if s.status != schemas.SessionClosed {
		if err != nil {
			s.status = schemas.SessionError
		} else {
			s.status = schemas.SessionReady
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.emit(schemas.EventSessionError, action.Kind, err.Error())
		return result, fmt.Errorf("%s action failed: %w", action.Kind, err)
	}
	s.emit(schemas.EventSessionAction, action.Kind, "")
	return result, nil
}

// RecordDetection logs an anti-bot signal observed during the attempt.
func (s *Session) RecordDetection(message string) {
	s.logger.Warn("Detection signal", zap.String("signal", message))
	s.emit(schemas.EventDetection, "", message)
}

func (s *Session) emit(kind schemas.SessionEventType, action schemas.ActionKind, message string) {
	ev := schemas.SessionEvent{
		Type:      kind,
		SessionID: s.ID,
		TaskID:    s.TaskID,
		Method:    s.Method,
		Action:    action,
		Message:   message,
		At:        s.mgr.now(),
	}

	s.mu.Lock()
	s.events = append(s.events, ev)
	if over := len(s.events) - s.mgr.cfg.EventLogSize; over > 0 {
		s.events = append(s.events[:0:0], s.events[over:]...)
	}
	s.mu.Unlock()

	if s.mgr.bus != nil {
		s.mgr.bus.Publish(ev)
	}
}
