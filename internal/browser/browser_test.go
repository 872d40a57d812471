package browser

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os/exec"
	"strings"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
	"github.com/xkilldash9x/scalpel-harvest/internal/config"
)

func TestLaunchFlags(t *testing.T) {
	p := NewProvider(config.BrowserConfig{
		Headless:        true,
		IgnoreTLSErrors: true,
		Args:            []string{"--disable-gpu", "--lang=fr-FR", "-", ""},
	}, zaptest.NewLogger(t))

	ident := schemas.Identity{Fingerprint: schemas.Fingerprint{
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) TestAgent",
		Languages: []string{"de-DE", "de"},
	}}
	flags := p.launchFlags(ident, "http://127.0.0.1:4444", schemas.Viewport{Width: 1280, Height: 720})

	assert.Equal(t, "new", flags["headless"])
	assert.Equal(t, true, flags["no-sandbox"])
	assert.Equal(t, true, flags["disable-dev-shm-usage"])
	assert.Equal(t, "AutomationControlled", flags["disable-blink-features"])
	assert.Equal(t, true, flags["ignore-certificate-errors"])
	assert.Equal(t, "1280,720", flags["window-size"])
	assert.Equal(t, ident.Fingerprint.UserAgent, flags["user-agent"])
	assert.Equal(t, "http://127.0.0.1:4444", flags["proxy-server"])
	assert.Equal(t, true, flags["disable-gpu"])
	// Configured args win over derived ones.
	assert.Equal(t, "fr-FR", flags["lang"])
	for k := range flags {
		assert.False(t, strings.HasPrefix(k, "-"), "flag %q keeps its dashes", k)
		assert.NotEmpty(t, k)
	}

	t.Run("headful without proxy", func(t *testing.T) {
		p := NewProvider(config.BrowserConfig{}, nil)
		flags := p.launchFlags(schemas.Identity{}, "", schemas.Viewport{})
		assert.NotContains(t, flags, "headless")
		assert.NotContains(t, flags, "proxy-server")
		assert.NotContains(t, flags, "window-size")
		assert.NotContains(t, flags, "ignore-certificate-errors")
	})
}

func TestNewPersona(t *testing.T) {
	tests := []struct {
		name        string
		fp          schemas.Fingerprint
		vendor      string
		hideChrome  bool
		chromeShape bool
		touch       int
	}{
		{"chrome desktop", schemas.Fingerprint{BrowserType: schemas.BrowserChrome, DeviceType: schemas.DeviceDesktop}, "Google Inc.", false, true, 0},
		{"edge falls back to chrome shape", schemas.Fingerprint{BrowserType: schemas.BrowserEdge}, "Google Inc.", false, true, 0},
		{"firefox", schemas.Fingerprint{BrowserType: schemas.BrowserFirefox}, "", true, false, 0},
		{"safari mobile", schemas.Fingerprint{BrowserType: schemas.BrowserWebKit, DeviceType: schemas.DeviceMobile}, "Apple Computer, Inc.", true, false, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPersona(tt.fp)
			assert.Equal(t, tt.vendor, p.Vendor)
			assert.Equal(t, tt.hideChrome, p.HideChrome)
			assert.Equal(t, tt.chromeShape, p.ChromeShape)
			assert.Equal(t, tt.touch, p.MaxTouch)
			assert.Equal(t, 24, p.Screen.ColorDepth)
		})
	}

	raw, err := json.Marshal(newPersona(schemas.Fingerprint{UserAgent: "ua", NoiseSeed: 42}))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"userAgent":"ua"`)
	assert.Contains(t, string(raw), `"noiseSeed":42`)
}

func TestAcceptLanguageHeader(t *testing.T) {
	assert.Equal(t, "", acceptLanguageHeader(nil))
	assert.Equal(t, "en-US", acceptLanguageHeader([]string{"en-US"}))
	assert.Equal(t, "fr-FR,fr;q=0.9,en;q=0.8", acceptLanguageHeader([]string{"fr-FR", "fr", "en"}))
	assert.Equal(t, "a,b;q=0.9,c;q=0.8,d;q=0.7,e;q=0.7", acceptLanguageHeader([]string{"a", "b", "c", "d", "e"}))
}

func TestExtractionScript(t *testing.T) {
	script, err := extractionScript("div.card", []schemas.Selector{
		{Name: "title", Query: "h2"},
		{Name: "link", Query: "a", Attribute: "href"},
		{Name: "tags", Query: ".//span[@class='tag']", Type: schemas.SelectorXPath, Multiple: true},
		{Name: "price", Query: "the price in the corner", Type: schemas.SelectorVisual},
	})
	require.NoError(t, err)

	assert.Contains(t, script, `const itemSelector = "div.card";`)
	assert.Contains(t, script, `{"name":"title","query":"h2","type":"css"}`)
	assert.Contains(t, script, `"attribute":"href"`)
	assert.Contains(t, script, `"type":"xpath","multiple":true`)
	assert.NotContains(t, script, "the price in the corner")

	script, err = extractionScript("", nil)
	require.NoError(t, err)
	assert.Contains(t, script, `const itemSelector = "";`)
	assert.Contains(t, script, `const fields = [];`)

	items := toItems([]map[string]any{{"title": "a"}, {"title": "b"}})
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[1]["title"])
}

func TestForwarder_AddsUpstreamCredentials(t *testing.T) {
	var sawAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Proxy-Authorization")
		if sawAuth != proxyAuthorization(url.UserPassword("alice", "s3cret")) {
			w.WriteHeader(http.StatusProxyAuthRequired)
			return
		}
		assert.Equal(t, "target.test", r.URL.Host)
		_, _ = io.WriteString(w, "via upstream")
	}))
	defer upstream.Close()

	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	u.User = url.UserPassword("alice", "s3cret")

	fwd, err := NewForwarder(u, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, fwd.Close(ctx))
	}()
	assert.True(t, strings.HasPrefix(fwd.URL(), "http://127.0.0.1:"))

	fwdURL, err := url.Parse(fwd.URL())
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(fwdURL)}, Timeout: 10 * time.Second}

	resp, err := client.Get("http://target.test/hello")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "via upstream", string(body))
	assert.True(t, strings.HasPrefix(sawAuth, "Basic "))
}

func TestForwarder_RejectsBadUpstream(t *testing.T) {
	_, err := NewForwarder(nil, nil)
	assert.Error(t, err)
	_, err = NewForwarder(&url.URL{Scheme: "ftp", Host: "example.com:21"}, nil)
	assert.Error(t, err)
}

func TestProvider_UnknownHandle(t *testing.T) {
	p := NewProvider(config.BrowserConfig{}, zaptest.NewLogger(t))
	_, err := p.PerformAction(context.Background(), "missing", schemas.Action{Kind: schemas.ActionNavigate})
	assert.ErrorIs(t, err, schemas.ErrSessionClosed)
	assert.NoError(t, p.CloseSession(context.Background(), "missing"))

	p.Close()
	_, err = p.OpenSession(context.Background(), schemas.Identity{}, nil, schemas.BrowserChrome, schemas.Viewport{})
	assert.Error(t, err)
}

func findChrome() string {
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "headless-shell"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

// TestProvider_Chrome drives a real browser against a local page.
func TestProvider_Chrome(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping browser integration test in short mode")
	}
	execPath := findChrome()
	if execPath == "" {
		t.Skip("no chrome binary found")
	}

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><body>
<div class="card"><h2>First</h2><a href="/1">go</a></div>
<div class="card"><h2>Second</h2><a href="/2">go</a></div>
<script>document.title = navigator.webdriver ? "bot" : "human";</script>
</body></html>`)
	}))
	defer site.Close()

	p := NewProvider(config.BrowserConfig{Headless: true, ExecPath: execPath, Stealth: true, StartupTimeout: 45 * time.Second}, zaptest.NewLogger(t))
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	ident := schemas.Identity{
		ID: "ident-1",
		Fingerprint: schemas.Fingerprint{
			UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
			Platform:    "Win32",
			BrowserType: schemas.BrowserChrome,
			DeviceType:  schemas.DeviceDesktop,
			Languages:   []string{"en-US", "en"},
			Timezone:    "America/New_York",
			Locale:      "en-US",
			Screen:      schemas.Screen{Width: 1920, Height: 1080},
		},
	}
	handle, err := p.OpenSession(ctx, ident, nil, schemas.BrowserChrome, schemas.Viewport{Width: 1280, Height: 800})
	require.NoError(t, err)
	defer func() { assert.NoError(t, p.CloseSession(context.Background(), handle)) }()

	res, err := p.PerformAction(ctx, handle, schemas.Action{Kind: schemas.ActionNavigate, URL: site.URL})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.URL, site.URL))

	res, err = p.PerformAction(ctx, handle, schemas.Action{Kind: schemas.ActionEvaluate, Script: "document.title"})
	require.NoError(t, err)
	assert.Equal(t, "human", res.Value)

	res, err = p.PerformAction(ctx, handle, schemas.Action{
		Kind:         schemas.ActionExtractData,
		ItemSelector: "div.card",
		Fields:       []schemas.Selector{{Name: "title", Query: "h2"}, {Name: "href", Query: "a", Attribute: "href"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "First", res.Items[0]["title"])
	assert.Equal(t, "/2", res.Items[1]["href"])

	res, err = p.PerformAction(ctx, handle, schemas.Action{Kind: schemas.ActionScreenshot})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Screenshot)
}
