package schemas

import (
	"time"
)

// -- Method Definitions --

// Method identifies an extraction strategy.
type Method string

const (
	MethodBrowserAutomation Method = "browser-automation"
	MethodAPIClient         Method = "api-client"
	MethodVisualScraping    Method = "visual-scraping"
	MethodHybrid            Method = "hybrid"
	MethodDirectRequest     Method = "direct-request"
)

// HybridFallbackOrder is the cascade used by the hybrid method unless a task overrides it.
var HybridFallbackOrder = []Method{
	MethodBrowserAutomation,
	MethodVisualScraping,
	MethodAPIClient,
}

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodBrowserAutomation, MethodAPIClient, MethodVisualScraping, MethodHybrid, MethodDirectRequest:
		return true
	}
	return false
}

// RequiresBrowser reports whether executing m needs a live browser session.
func (m Method) RequiresBrowser() bool {
	return m == MethodBrowserAutomation || m == MethodVisualScraping
}

// EvasionLevel controls how hard a task tries to look like a human visitor.
type EvasionLevel string

const (
	EvasionBasic    EvasionLevel = "basic"
	EvasionStandard EvasionLevel = "standard"
	EvasionAdvanced EvasionLevel = "advanced"
	EvasionMaximum  EvasionLevel = "maximum"
)

// -- Task Lifecycle --

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskIdle      TaskState = "idle"
	TaskRunning   TaskState = "running"
	TaskPaused    TaskState = "paused"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// IsTerminal reports whether the state ends a run.
func (s TaskState) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// IsActive reports whether the task currently holds a concurrency slot.
func (s TaskState) IsActive() bool {
	return s == TaskRunning || s == TaskPaused
}

// -- Task Options --

// SelectorType describes how a selector query is interpreted.
type SelectorType string

const (
	SelectorCSS    SelectorType = "css"
	SelectorXPath  SelectorType = "xpath"
	SelectorVisual SelectorType = "visual"
)

// Selector names one field to extract. For visual selectors Query is a
// natural-language description of the field.
type Selector struct {
	Name      string       `json:"name" yaml:"name"`
	Query     string       `json:"query" yaml:"query"`
	Type      SelectorType `json:"type,omitempty" yaml:"type,omitempty"`
	Attribute string       `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	Multiple  bool         `json:"multiple,omitempty" yaml:"multiple,omitempty"`
}

// AuthSpec describes a form login performed before extraction.
type AuthSpec struct {
	LoginURL         string `json:"login_url,omitempty" yaml:"login_url,omitempty"`
	Username         string `json:"username" yaml:"username"`
	Password         string `json:"password" yaml:"password"`
	UsernameSelector string `json:"username_selector" yaml:"username_selector"`
	PasswordSelector string `json:"password_selector" yaml:"password_selector"`
	SubmitSelector   string `json:"submit_selector" yaml:"submit_selector"`
	SuccessSelector  string `json:"success_selector,omitempty" yaml:"success_selector,omitempty"`
}

// PaginationSpec describes how to walk result pages.
type PaginationSpec struct {
	NextSelector string `json:"next_selector,omitempty" yaml:"next_selector,omitempty"`
	PageParam    string `json:"page_param,omitempty" yaml:"page_param,omitempty"`
	StartPage    int    `json:"start_page,omitempty" yaml:"start_page,omitempty"`
	MaxPages     int    `json:"max_pages,omitempty" yaml:"max_pages,omitempty"`
}

// APISpec configures the api-client method.
type APISpec struct {
	Endpoint    string            `json:"endpoint" yaml:"endpoint"`
	HTTPMethod  string            `json:"http_method,omitempty" yaml:"http_method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body        string            `json:"body,omitempty" yaml:"body,omitempty"`
	BearerToken string            `json:"bearer_token,omitempty" yaml:"bearer_token,omitempty"`
	// ItemsPath is a dotted path to the array of items in the JSON response.
	ItemsPath string `json:"items_path,omitempty" yaml:"items_path,omitempty"`
}

// IdentityCriteria filters identities on acquire. Empty fields match anything.
type IdentityCriteria struct {
	BrowserType BrowserType `json:"browser_type,omitempty" yaml:"browser_type,omitempty"`
	DeviceType  DeviceType  `json:"device_type,omitempty" yaml:"device_type,omitempty"`
	Country     string      `json:"country,omitempty" yaml:"country,omitempty"`
	Sticky      bool        `json:"sticky,omitempty" yaml:"sticky,omitempty"`
	// StickyKey is filled in by the lease manager from the task id.
	StickyKey string `json:"-" yaml:"-"`
}

// ProxyCriteria filters proxies on acquire. Empty fields match anything.
type ProxyCriteria struct {
	Country  string    `json:"country,omitempty" yaml:"country,omitempty"`
	Type     ProxyType `json:"type,omitempty" yaml:"type,omitempty"`
	Pool     string    `json:"pool,omitempty" yaml:"pool,omitempty"`
	Sticky   bool      `json:"sticky,omitempty" yaml:"sticky,omitempty"`
	Disabled bool      `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	// StickyKey is filled in by the lease manager from the task id.
	StickyKey string `json:"-" yaml:"-"`
}

// BehaviorOverrides holds per-task pacing settings. Nil fields fall through
// to the pool default and then the built-in default.
type BehaviorOverrides struct {
	ActionDelayMin    *time.Duration `json:"action_delay_min,omitempty" yaml:"action_delay_min,omitempty"`
	ActionDelayMax    *time.Duration `json:"action_delay_max,omitempty" yaml:"action_delay_max,omitempty"`
	NavigationTimeout *time.Duration `json:"navigation_timeout,omitempty" yaml:"navigation_timeout,omitempty"`
	ActionTimeout     *time.Duration `json:"action_timeout,omitempty" yaml:"action_timeout,omitempty"`
	RequestTimeout    *time.Duration `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
	RequestsPerSecond *float64       `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"`
	HumanTyping       *bool          `json:"human_typing,omitempty" yaml:"human_typing,omitempty"`
	HumanScroll       *bool          `json:"human_scroll,omitempty" yaml:"human_scroll,omitempty"`
	ScrollSteps       *int           `json:"scroll_steps,omitempty" yaml:"scroll_steps,omitempty"`
}

// TaskOptions is everything a caller supplies when creating a task.
type TaskOptions struct {
	Name          string       `json:"name" yaml:"name"`
	URL           string       `json:"url" yaml:"url"`
	Method        Method       `json:"method,omitempty" yaml:"method,omitempty"`
	FallbackOrder []Method     `json:"fallback_order,omitempty" yaml:"fallback_order,omitempty"`
	Evasion       EvasionLevel `json:"evasion,omitempty" yaml:"evasion,omitempty"`

	// ItemSelector selects the repeated container of one item. Field selectors
	// are evaluated relative to it. Empty means the whole page is one item.
	ItemSelector string     `json:"item_selector,omitempty" yaml:"item_selector,omitempty"`
	Selectors    []Selector `json:"selectors,omitempty" yaml:"selectors,omitempty"`

	Auth       *AuthSpec       `json:"auth,omitempty" yaml:"auth,omitempty"`
	Pagination *PaginationSpec `json:"pagination,omitempty" yaml:"pagination,omitempty"`
	API        *APISpec        `json:"api,omitempty" yaml:"api,omitempty"`

	Identity IdentityCriteria  `json:"identity,omitempty" yaml:"identity,omitempty"`
	Proxy    ProxyCriteria     `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	Behavior BehaviorOverrides `json:"behavior,omitempty" yaml:"behavior,omitempty"`
	Viewport *Viewport         `json:"viewport,omitempty" yaml:"viewport,omitempty"`

	// ExpectedItems drives progress accounting when known.
	ExpectedItems int           `json:"expected_items,omitempty" yaml:"expected_items,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// HasVisualSelector reports whether any selector is typed visual.
func (o TaskOptions) HasVisualSelector() bool {
	for _, s := range o.Selectors {
		if s.Type == SelectorVisual {
			return true
		}
	}
	return false
}

// -- Status and Results --

// Item is one extracted record, keyed by selector name.
type Item map[string]any

// ErrorEntry is one failure recorded in a task's error log.
type ErrorEntry struct {
	Method  Method    `json:"method,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// TaskStatus is a point-in-time copy of a task's status record.
type TaskStatus struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	State          TaskState    `json:"state"`
	Progress       float64      `json:"progress"`
	StartedAt      time.Time    `json:"started_at,omitempty"`
	EndedAt        time.Time    `json:"ended_at,omitempty"`
	LastError      string       `json:"last_error,omitempty"`
	ItemsProcessed int          `json:"items_processed"`
	ItemsTotal     int          `json:"items_total,omitempty"`
	Method         Method       `json:"method,omitempty"`
	Errors         []ErrorEntry `json:"errors,omitempty"`
}

// TaskResult is what a result sink receives when a task completes.
type TaskResult struct {
	TaskID      string    `json:"task_id"`
	TaskName    string    `json:"task_name"`
	Method      Method    `json:"method"`
	Items       []Item    `json:"items"`
	CompletedAt time.Time `json:"completed_at"`
}
