// internal/browser/provider.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
	"github.com/xkilldash9x/scalpel-harvest/internal/config"
)

// Provider drives Chromium through chromedp. Every session gets its own
// browser process so proxy and fingerprint never leak between sessions.
// Firefox and WebKit identities are presented by a Chromium engine that
// carries their user agent and navigator shape.
type Provider struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[schemas.SessionHandle]*tab
	closed   bool
}

type tab struct {
	handle    schemas.SessionHandle
	ctx       context.Context
	cancel    context.CancelFunc
	allocStop context.CancelFunc
	forwarder *Forwarder
	logger    *zap.Logger

	// Actions on one tab run one at a time.
	mu sync.Mutex
}

// NewProvider creates a provider. Browsers start lazily in OpenSession.
func NewProvider(cfg config.BrowserConfig, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	return &Provider{
		cfg:      cfg,
		logger:   logger.Named("browser"),
		sessions: make(map[schemas.SessionHandle]*tab),
	}
}

// launchFlags are the command line switches for one session's browser.
func (p *Provider) launchFlags(ident schemas.Identity, proxyServer string, vp schemas.Viewport) map[string]any {
	flags := map[string]any{
		"no-first-run":                   true,
		"no-default-browser-check":       true,
		"no-sandbox":                     true,
		"disable-dev-shm-usage":          true,
		"disable-background-networking":  true,
		"disable-popup-blocking":         true,
		"disable-features":               "site-per-process,Translate,OptimizationHints",
		"disable-blink-features":         "AutomationControlled",
		"password-store":                 "basic",
		"use-mock-keychain":              true,
		"metrics-recording-only":         true,
		"disable-renderer-backgrounding": true,
	}
	if p.cfg.Headless {
		flags["headless"] = "new"
		flags["hide-scrollbars"] = true
		flags["mute-audio"] = true
	}
	if p.cfg.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
	}
	if proxyServer != "" {
		flags["proxy-server"] = proxyServer
		// Loopback must not bypass a forwarder on 127.0.0.1.
		flags["proxy-bypass-list"] = "<-loopback>"
	}
	if ua := ident.Fingerprint.UserAgent; ua != "" {
		flags["user-agent"] = ua
	}
	if langs := ident.Fingerprint.Languages; len(langs) > 0 {
		flags["lang"] = langs[0]
	}
	if vp.Width > 0 && vp.Height > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", vp.Width, vp.Height)
	}
	for _, arg := range p.cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if key == "" {
			continue
		}
		if found {
			flags[key] = value
		} else {
			flags[key] = true
		}
	}
	return flags
}

func (p *Provider) allocatorOptions(flags map[string]any) []chromedp.ExecAllocatorOption {
	opts := make([]chromedp.ExecAllocatorOption, 0, len(flags)+1)
	if p.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(p.cfg.ExecPath))
	}
	for k, v := range flags {
		opts = append(opts, chromedp.Flag(k, v))
	}
	return opts
}

// OpenSession starts a browser for one session and applies the identity.
func (p *Provider) OpenSession(ctx context.Context, ident schemas.Identity, proxy *schemas.Proxy, browserType schemas.BrowserType, vp schemas.Viewport) (schemas.SessionHandle, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return "", errors.New("browser provider is shut down")
	}

	handle := schemas.SessionHandle(uuid.NewString())
	logger := p.logger.With(zap.String("handle", string(handle)), zap.String("browser_type", string(browserType)))

	var (
		proxyServer string
		forwarder   *Forwarder
	)
	if proxy != nil {
		endpoint, err := proxy.Endpoint()
		if err != nil {
			return "", fmt.Errorf("proxy %s: %w", proxy.ID, err)
		}
		if endpoint.User != nil {
			forwarder, err = NewForwarder(endpoint, logger)
			if err != nil {
				return "", err
			}
			proxyServer = forwarder.URL()
		} else {
			proxyServer = endpoint.String()
		}
	}

	allocCtx, allocStop := chromedp.NewExecAllocator(context.Background(), p.allocatorOptions(p.launchFlags(ident, proxyServer, vp))...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Debugf),
	)
	t := &tab{handle: handle, ctx: tabCtx, cancel: tabCancel, allocStop: allocStop, forwarder: forwarder, logger: logger}

	// The first Run launches the process, so it must not carry a deadline;
	// a watchdog tears the browser down instead.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tabCtx) }()
	select {
	case err := <-started:
		if err != nil {
			t.teardown()
			return "", fmt.Errorf("starting browser: %w", err)
		}
	case <-time.After(p.cfg.StartupTimeout):
		t.teardown()
		return "", fmt.Errorf("browser did not start within %s", p.cfg.StartupTimeout)
	case <-ctx.Done():
		t.teardown()
		return "", ctx.Err()
	}

	setupCtx, cancel := t.bounded(ctx)
	defer cancel()
	setup := chromedp.Tasks{restoreCookies(ident.Cookies)}
	if p.cfg.Stealth {
		setup = append(setup, applyStealth(ident, vp, logger))
	} else {
		setup = append(setup, emulateViewport(vp, ident.Fingerprint.Screen))
	}
	if err := chromedp.Run(setupCtx, setup); err != nil {
		t.teardown()
		return "", fmt.Errorf("preparing browser session: %w", err)
	}

	p.mu.Lock()
	p.sessions[handle] = t
	p.mu.Unlock()
	logger.Info("Browser session opened", zap.String("identity_id", ident.ID), zap.Bool("proxied", proxyServer != ""))
	return handle, nil
}

// bounded derives a context for one action on the tab that also ends when
// the caller's ctx does.
func (t *tab) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if deadline, ok := ctx.Deadline(); ok {
		actx, cancel = context.WithDeadline(t.ctx, deadline)
	} else {
		actx, cancel = context.WithCancel(t.ctx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return actx, func() {
		stop()
		cancel()
	}
}

func (t *tab) teardown() {
	t.cancel()
	t.allocStop()
	if t.forwarder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.forwarder.Close(ctx); err != nil {
			t.logger.Debug("Forwarder close", zap.Error(err))
		}
	}
}

func (p *Provider) lookup(handle schemas.SessionHandle) (*tab, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.sessions[handle]
	if !ok {
		return nil, fmt.Errorf("browser session %s: %w", handle, schemas.ErrSessionClosed)
	}
	return t, nil
}

// PerformAction runs one action on the session's tab.
func (p *Provider) PerformAction(ctx context.Context, handle schemas.SessionHandle, action schemas.Action) (schemas.ActionResult, error) {
	t, err := p.lookup(handle)
	if err != nil {
		return schemas.ActionResult{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	actx, cancel := t.bounded(ctx)
	defer cancel()

	var result schemas.ActionResult
	switch action.Kind {
	case schemas.ActionNavigate:
		err = chromedp.Run(actx, chromedp.Navigate(action.URL), chromedp.Location(&result.URL))
	case schemas.ActionClick:
		err = chromedp.Run(actx, chromedp.Click(action.Selector, chromedp.ByQuery, chromedp.NodeVisible))
	case schemas.ActionType:
		err = chromedp.Run(actx, typeText(action))
	case schemas.ActionScroll:
		err = chromedp.Run(actx, chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", action.DeltaY), nil))
	case schemas.ActionScreenshot:
		var shot []byte
		if action.Selector != "" {
			err = chromedp.Run(actx, chromedp.Screenshot(action.Selector, &shot, chromedp.ByQuery))
		} else {
			err = chromedp.Run(actx, chromedp.FullScreenshot(&shot, 90))
		}
		result.Screenshot = shot
	case schemas.ActionExtractData:
		var script string
		script, err = extractionScript(action.ItemSelector, action.Fields)
		if err == nil {
			var raw []map[string]any
			err = chromedp.Run(actx, chromedp.Evaluate(script, &raw))
			result.Items = toItems(raw)
		}
	case schemas.ActionEvaluate:
		var value any
		err = chromedp.Run(actx, chromedp.Evaluate(action.Script, &value))
		result.Value = value
	case schemas.ActionSetViewport:
		if action.Viewport == nil {
			return result, errors.New("setViewport needs a viewport")
		}
		err = chromedp.Run(actx, emulateViewport(*action.Viewport, schemas.Screen{}))
	case schemas.ActionWait:
		if action.Selector != "" {
			err = chromedp.Run(actx, chromedp.WaitVisible(action.Selector, chromedp.ByQuery))
		} else {
			err = chromedp.Run(actx, chromedp.Sleep(action.Duration))
		}
	default:
		return result, fmt.Errorf("unsupported action %q", action.Kind)
	}
	if err != nil {
		return result, err
	}
	if result.URL == "" && action.Kind != schemas.ActionNavigate {
		_ = chromedp.Run(actx, chromedp.Location(&result.URL))
	}
	return result, nil
}

// typeText focuses the field and sends keys one at a time, pausing between them.
func typeText(action schemas.Action) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := chromedp.Focus(action.Selector, chromedp.ByQuery).Do(ctx); err != nil {
			return err
		}
		if action.KeyDelay == nil {
			return chromedp.SendKeys(action.Selector, action.Text, chromedp.ByQuery).Do(ctx)
		}
		for _, r := range action.Text {
			if err := chromedp.SendKeys(action.Selector, string(r), chromedp.ByQuery).Do(ctx); err != nil {
				return err
			}
			select {
			case <-time.After(action.KeyDelay()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
}

// ExportCookies snapshots the session's cookies.
func (p *Provider) ExportCookies(ctx context.Context, handle schemas.SessionHandle) ([]schemas.Cookie, error) {
	t, err := p.lookup(handle)
	if err != nil {
		return nil, err
	}
	actx, cancel := t.bounded(ctx)
	defer cancel()

	var raw []*network.Cookie
	err = chromedp.Run(actx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("reading cookies: %w", err)
	}
	cookies := make([]schemas.Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, schemas.Cookie{
			Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path,
			Expires: c.Expires, HTTPOnly: c.HTTPOnly, Secure: c.Secure,
		})
	}
	return cookies, nil
}

// CloseSession stops the session's browser. Unknown handles are ignored.
func (p *Provider) CloseSession(_ context.Context, handle schemas.SessionHandle) error {
	p.mu.Lock()
	t, ok := p.sessions[handle]
	delete(p.sessions, handle)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	t.teardown()
	t.logger.Debug("Browser session closed")
	return nil
}

// Close stops every browser and refuses new sessions.
func (p *Provider) Close() {
	p.mu.Lock()
	p.closed = true
	tabs := make([]*tab, 0, len(p.sessions))
	for h, t := range p.sessions {
		tabs = append(tabs, t)
		delete(p.sessions, h)
	}
	p.mu.Unlock()

	for _, t := range tabs {
		t.teardown()
	}
	if len(tabs) > 0 {
		p.logger.Info("Closed browser sessions", zap.Int("count", len(tabs)))
	}
}
