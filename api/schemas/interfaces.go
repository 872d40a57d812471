package schemas

import (
	"context"
)

// -- External Collaborators --

// BrowserSessionProvider drives real browsers. CloseSession must be safe on
// an already-closed handle.
type BrowserSessionProvider interface {
	OpenSession(ctx context.Context, identity Identity, proxy *Proxy, browserType BrowserType, viewport Viewport) (SessionHandle, error)
	PerformAction(ctx context.Context, handle SessionHandle, action Action) (ActionResult, error)
	CloseSession(ctx context.Context, handle SessionHandle) error
}

// CookieExporter is implemented by providers that can snapshot a session's
// cookie jar before it closes.
type CookieExporter interface {
	ExportCookies(ctx context.Context, handle SessionHandle) ([]Cookie, error)
}

// ContextAnalysis is the advisor's strategy suggestion for a page.
type ContextAnalysis struct {
	Strategy   Method  `json:"strategy"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// ChallengeReport lists anti-bot challenges visible in a screenshot.
type ChallengeReport struct {
	HasChallenges bool     `json:"has_challenges"`
	Challenges    []string `json:"challenges"`
}

// VisionAdvisor is advisory only. Callers must keep working when it errors.
type VisionAdvisor interface {
	AnalyzeContext(ctx context.Context, screenshot []byte, html, pageURL string) (ContextAnalysis, error)
	DetectChallenges(ctx context.Context, screenshot []byte) (ChallengeReport, error)
}

// VisualExtractor reads structured items out of a screenshot.
type VisualExtractor interface {
	ExtractVisual(ctx context.Context, screenshot []byte, fields []Selector) ([]Item, error)
}

// IdentityFactory synthesizes a complete identity for the given criteria. It
// returns an error wrapping ErrIdentityUnavailable when exhausted.
type IdentityFactory interface {
	Create(ctx context.Context, criteria IdentityCriteria) (Identity, error)
}

// ResultSink persists completed task results keyed by task id and time.
type ResultSink interface {
	Save(ctx context.Context, result TaskResult) error
	// Latest returns the items of the most recent result for the task, or an
	// empty slice when none exist.
	Latest(ctx context.Context, taskID string) ([]Item, error)
}

// PoolStore persists identity and proxy records across restarts.
type PoolStore interface {
	LoadIdentities(ctx context.Context) ([]Identity, error)
	SaveIdentities(ctx context.Context, identities []Identity) error
	LoadProxies(ctx context.Context) ([]Proxy, error)
	SaveProxies(ctx context.Context, proxies []Proxy) error
}
