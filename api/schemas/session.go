package schemas

import (
	"time"
)

// SessionStatus is the lifecycle state of a leased session.
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionReady        SessionStatus = "ready"
	SessionRunning      SessionStatus = "running"
	SessionError        SessionStatus = "error"
	SessionClosed       SessionStatus = "closed"
)

// Viewport is the browser window size requested for a session.
type Viewport struct {
	Width             int64   `json:"width" yaml:"width"`
	Height            int64   `json:"height" yaml:"height"`
	DeviceScaleFactor float64 `json:"device_scale_factor,omitempty" yaml:"device_scale_factor,omitempty"`
	Mobile            bool    `json:"mobile,omitempty" yaml:"mobile,omitempty"`
}

// SessionHandle is the provider's opaque reference to an open browser session.
type SessionHandle string

// ActionKind enumerates the actions a browser session provider performs.
type ActionKind string

const (
	ActionNavigate    ActionKind = "navigate"
	ActionClick       ActionKind = "click"
	ActionType        ActionKind = "type"
	ActionScroll      ActionKind = "scroll"
	ActionScreenshot  ActionKind = "screenshot"
	ActionExtractData ActionKind = "extractData"
	ActionEvaluate    ActionKind = "evaluate"
	ActionSetViewport ActionKind = "setViewport"
	ActionWait        ActionKind = "wait"
)

// Action is a single browser instruction. Only the fields relevant to Kind are read.
type Action struct {
	Kind         ActionKind    `json:"kind"`
	URL          string        `json:"url,omitempty"`
	Selector     string        `json:"selector,omitempty"`
	Text         string        `json:"text,omitempty"`
	Script       string        `json:"script,omitempty"`
	DeltaY       int           `json:"delta_y,omitempty"`
	ItemSelector string        `json:"item_selector,omitempty"`
	Fields       []Selector    `json:"fields,omitempty"`
	Viewport     *Viewport     `json:"viewport,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	// KeyDelay paces each keystroke of a type action.
	KeyDelay func() time.Duration `json:"-"`
	Timeout  time.Duration        `json:"timeout,omitempty"`
}

// ActionResult carries whatever the action produced.
type ActionResult struct {
	URL        string `json:"url,omitempty"`
	Screenshot []byte `json:"-"`
	Items      []Item `json:"items,omitempty"`
	Value      any    `json:"value,omitempty"`
}

// -- Session Events --

// SessionEventType names a session lifecycle event.
type SessionEventType string

const (
	EventSessionCreated SessionEventType = "session.created"
	EventSessionAction  SessionEventType = "session.action"
	EventSessionError   SessionEventType = "session.error"
	EventDetection      SessionEventType = "session.detection"
	EventSessionClosed  SessionEventType = "session.closed"
)

// SessionEvent is published on the event bus and kept in the session's log.
type SessionEvent struct {
	Type      SessionEventType `json:"type"`
	SessionID string           `json:"session_id"`
	TaskID    string           `json:"task_id,omitempty"`
	Method    Method           `json:"method,omitempty"`
	Action    ActionKind       `json:"action,omitempty"`
	Message   string           `json:"message,omitempty"`
	At        time.Time        `json:"at"`
}
