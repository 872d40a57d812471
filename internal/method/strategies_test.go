package method

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
	"github.com/xkilldash9x/scalpel-harvest/internal/behavior"
	"github.com/xkilldash9x/scalpel-harvest/internal/config"
	"github.com/xkilldash9x/scalpel-harvest/internal/identity"
	"github.com/xkilldash9x/scalpel-harvest/internal/network"
	"github.com/xkilldash9x/scalpel-harvest/internal/session"
)

func quickSettings() behavior.Settings {
	return behavior.Settings{
		NavigationTimeout: 2 * time.Second,
		ActionTimeout:     2 * time.Second,
		RequestTimeout:    2 * time.Second,
		ScrollSteps:       1,
	}
}

func newAttempt(t *testing.T, sess *session.Session, opts schemas.TaskOptions, ctl Control) *Attempt {
	t.Helper()
	settings := quickSettings()
	return &Attempt{
		TaskID:   "task-1",
		Options:  opts,
		Session:  sess,
		Settings: settings,
		Pacer:    behavior.NewPacer(schemas.BehaviorProfile{}, settings, rand.New(rand.NewSource(1))),
		Control:  ctl,
		HTTP:     network.NewFactory(nil, zaptest.NewLogger(t)),
		Limiter:  network.NewHostLimiter(0, 1),
		MaxPages: 5,
	}
}

func httpSession() *session.Session {
	return &session.Session{ID: "s-1", Identity: schemas.Identity{ID: "ident-1", Fingerprint: schemas.Fingerprint{
		UserAgent: "TestAgent/1.0",
		Languages: []string{"en-US", "en"},
	}}}
}

// -- direct-request --

const listingPage = `<html><body>
<ul>
  <li class="item"><h2> Alpha </h2><a class="link" href="/a">a</a><span class="tag">x</span><span class="tag">y</span></li>
  <li class="item"><h2>Beta</h2><a class="link" href="/b">b</a></li>
</ul>
%s
</body></html>`

func TestDirectRequest(t *testing.T) {
	var agents []string
	var mu sync.Mutex
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		agents = append(agents, r.Header.Get("User-Agent"))
		mu.Unlock()
		switch r.URL.Path {
		case "/list":
			fmt.Fprintf(w, listingPage, `<a class="next" href="/list2">next</a>`)
		case "/list2":
			fmt.Fprintf(w, listingPage, "")
		default:
			http.NotFound(w, r)
		}
	}))
	defer site.Close()

	opts := schemas.TaskOptions{
		URL:          site.URL + "/list",
		ItemSelector: "li.item",
		Selectors: []schemas.Selector{
			{Name: "title", Query: "h2"},
			{Name: "href", Query: "a.link", Attribute: "href"},
			{Name: "tags", Query: "span.tag", Multiple: true},
			{Name: "missing", Query: ".nope"},
		},
		Pagination: &schemas.PaginationSpec{NextSelector: "a.next"},
	}
	ctl := &fakeControl{}
	items, err := (&DirectRequest{}).Execute(context.Background(), newAttempt(t, httpSession(), opts, ctl))
	require.NoError(t, err)

	require.Len(t, items, 4, "two items on each of two pages")
	assert.Equal(t, schemas.Item{"title": "Alpha", "href": "/a", "tags": []any{"x", "y"}, "missing": nil}, items[0])
	assert.Equal(t, []any{}, items[1]["tags"])
	assert.Equal(t, 4, ctl.processed)
	assert.Equal(t, []string{"TestAgent/1.0", "TestAgent/1.0"}, agents)
}

func TestDirectRequest_Errors(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer site.Close()

	_, err := (&DirectRequest{}).Execute(context.Background(), newAttempt(t, httpSession(), schemas.TaskOptions{URL: site.URL}, &fakeControl{}))
	assert.ErrorIs(t, err, ErrBlocked)

	_, err = (&DirectRequest{}).Execute(context.Background(), newAttempt(t, httpSession(), schemas.TaskOptions{
		URL:       site.URL,
		Selectors: []schemas.Selector{{Name: "x", Query: "//div", Type: schemas.SelectorXPath}},
	}, &fakeControl{}))
	assert.ErrorContains(t, err, "xpath is not supported")
}

// -- api-client --

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)}).SignedString([]byte("k"))
	require.NoError(t, err)
	return tok
}

func TestAPIClient(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	token := signedToken(t, now.Add(time.Hour))

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "yes", r.Header.Get("X-Custom"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("p") {
		case "1":
			_, _ = w.Write([]byte(`{"data":{"results":[{"name":"a","price":{"amount":1}},{"name":"b","price":{"amount":2}}]}}`))
		case "2":
			_, _ = w.Write([]byte(`{"data":{"results":[{"name":"c","price":{"amount":3}}]}}`))
		default:
			_, _ = w.Write([]byte(`{"data":{"results":[]}}`))
		}
	}))
	defer site.Close()

	opts := schemas.TaskOptions{
		URL: site.URL,
		API: &schemas.APISpec{
			Endpoint:    site.URL + "/v1/items",
			Headers:     map[string]string{"X-Custom": "yes"},
			BearerToken: token,
			ItemsPath:   "data.results",
		},
		Selectors:  []schemas.Selector{{Name: "name"}, {Name: "amount", Query: "price.amount"}},
		Pagination: &schemas.PaginationSpec{PageParam: "p", StartPage: 1},
	}
	ctl := &fakeControl{}
	items, err := (&APIClient{now: func() time.Time { return now }}).Execute(context.Background(), newAttempt(t, httpSession(), opts, ctl))
	require.NoError(t, err)

	require.Len(t, items, 3)
	assert.Equal(t, schemas.Item{"name": "a", "amount": float64(1)}, items[0])
	assert.Equal(t, schemas.Item{"name": "c", "amount": float64(3)}, items[2])
	assert.Equal(t, 3, ctl.processed)

	t.Run("expired token fails fast", func(t *testing.T) {
		expired := opts
		api := *opts.API
		api.BearerToken = signedToken(t, now.Add(-time.Minute))
		expired.API = &api
		_, err := (&APIClient{now: func() time.Time { return now }}).Execute(context.Background(), newAttempt(t, httpSession(), expired, &fakeControl{}))
		assert.ErrorContains(t, err, "bearer token expired")
	})

	t.Run("unauthorized counts as blocked", func(t *testing.T) {
		other := opts
		api := *opts.API
		api.BearerToken = "opaque-token"
		other.API = &api
		_, err := (&APIClient{now: func() time.Time { return now }}).Execute(context.Background(), newAttempt(t, httpSession(), other, &fakeControl{}))
		assert.ErrorIs(t, err, ErrBlocked)
	})
}

func TestDecodeItems(t *testing.T) {
	items, err := decodeItems([]byte(`[{"a":1},{"a":2}]`), "", nil)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = decodeItems([]byte(`{"item":{"a":1}}`), "item", nil)
	require.NoError(t, err)
	assert.Equal(t, []schemas.Item{{"a": float64(1)}}, items)

	_, err = decodeItems([]byte(`{"a":1}`), "b.c", nil)
	assert.ErrorContains(t, err, `"b.c"`)
	_, err = decodeItems([]byte(`<html>`), "", nil)
	assert.Error(t, err)
}

// -- browser-automation --

type pageProvider struct {
	mu       sync.Mutex
	pages    [][]schemas.Item
	page     int
	actions  []schemas.Action
	failKind schemas.ActionKind
	shot     []byte
}

func (p *pageProvider) OpenSession(context.Context, schemas.Identity, *schemas.Proxy, schemas.BrowserType, schemas.Viewport) (schemas.SessionHandle, error) {
	return "h-1", nil
}

func (p *pageProvider) PerformAction(_ context.Context, _ schemas.SessionHandle, action schemas.Action) (schemas.ActionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions = append(p.actions, action)
	if action.Kind == p.failKind {
		return schemas.ActionResult{}, fmt.Errorf("%s failed", action.Kind)
	}
	switch action.Kind {
	case schemas.ActionExtractData:
		if p.page < len(p.pages) {
			return schemas.ActionResult{Items: p.pages[p.page]}, nil
		}
	case schemas.ActionEvaluate:
		return schemas.ActionResult{Value: p.page < len(p.pages)-1}, nil
	case schemas.ActionClick:
		if action.Selector == "a.next" {
			p.page++
		}
	case schemas.ActionScreenshot:
		return schemas.ActionResult{Screenshot: p.shot}, nil
	}
	return schemas.ActionResult{}, nil
}

func (p *pageProvider) CloseSession(context.Context, schemas.SessionHandle) error { return nil }

func (p *pageProvider) kinds() []schemas.ActionKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]schemas.ActionKind, 0, len(p.actions))
	for _, a := range p.actions {
		out = append(out, a.Kind)
	}
	return out
}

func leaseBrowser(t *testing.T, provider schemas.BrowserSessionProvider) *session.Session {
	t.Helper()
	logger := zaptest.NewLogger(t)
	pool := identity.NewPool(identity.NewGenerator(config.IdentityConfig{
		Seed: 7, DefaultBrowser: "chrome", DefaultDevice: "desktop", DefaultCountry: "us",
	}, config.BehaviorConfig{}), logger)
	mgr := session.NewManager(pool, nil, provider, nil, session.Config{}, logger)
	sess, err := mgr.Lease(context.Background(), session.Request{TaskID: "task-1", Method: schemas.MethodBrowserAutomation, RequiresBrowser: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.ReleaseAll(context.Background(), sess) })
	return sess
}

func TestBrowserAutomation_LoginAndPaginate(t *testing.T) {
	provider := &pageProvider{pages: [][]schemas.Item{
		{{"title": "a"}, {"title": "b"}},
		{{"title": "c"}},
	}}
	sess := leaseBrowser(t, provider)

	opts := schemas.TaskOptions{
		URL:          "https://shop.test/list",
		ItemSelector: ".card",
		Selectors:    []schemas.Selector{{Name: "title", Query: "h2"}},
		Auth: &schemas.AuthSpec{
			LoginURL: "https://shop.test/login", Username: "bob", Password: "pw",
			UsernameSelector: "#user", PasswordSelector: "#pass", SubmitSelector: "#go", SuccessSelector: ".account",
		},
		Pagination: &schemas.PaginationSpec{NextSelector: "a.next", MaxPages: 5},
	}
	ctl := &fakeControl{}
	items, err := (&BrowserAutomation{}).Execute(context.Background(), newAttempt(t, sess, opts, ctl))
	require.NoError(t, err)

	assert.Len(t, items, 3)
	assert.Equal(t, 3, ctl.processed)
	assert.Equal(t, []schemas.ActionKind{
		schemas.ActionNavigate, schemas.ActionWait, schemas.ActionType, schemas.ActionType, schemas.ActionClick, schemas.ActionWait,
		schemas.ActionNavigate,
		schemas.ActionWait, schemas.ActionScroll, schemas.ActionExtractData, schemas.ActionEvaluate, schemas.ActionClick,
		schemas.ActionWait, schemas.ActionScroll, schemas.ActionExtractData, schemas.ActionEvaluate,
	}, provider.kinds())

	provider.mu.Lock()
	typed := provider.actions[2]
	nav := provider.actions[6]
	provider.mu.Unlock()
	assert.Equal(t, "bob", typed.Text)
	assert.Equal(t, "https://shop.test/list", nav.URL)
}

func TestBrowserAutomation_StopsAtCheckpoint(t *testing.T) {
	provider := &pageProvider{pages: [][]schemas.Item{{{"title": "a"}}}}
	sess := leaseBrowser(t, provider)
	ctl := &fakeControl{}
	ctl.stop()

	_, err := (&BrowserAutomation{}).Execute(context.Background(), newAttempt(t, sess, schemas.TaskOptions{URL: "https://shop.test"}, ctl))
	assert.ErrorIs(t, err, schemas.ErrCancelled)
	assert.Empty(t, provider.kinds(), "no action starts after a stop")
}

func TestBrowserAutomation_ActionFailure(t *testing.T) {
	provider := &pageProvider{failKind: schemas.ActionExtractData}
	sess := leaseBrowser(t, provider)

	_, err := (&BrowserAutomation{}).Execute(context.Background(), newAttempt(t, sess, schemas.TaskOptions{URL: "https://shop.test"}, &fakeControl{}))
	assert.ErrorContains(t, err, "extractData")
	assert.Equal(t, schemas.SessionError, sess.Status())
}

// -- visual-scraping --

type fakeExtractor struct {
	items  []schemas.Item
	fields []schemas.Selector
}

func (f *fakeExtractor) ExtractVisual(_ context.Context, _ []byte, fields []schemas.Selector) ([]schemas.Item, error) {
	f.fields = fields
	return f.items, nil
}

type challengeAdvisor struct {
	report schemas.ChallengeReport
	err    error
}

func (c challengeAdvisor) AnalyzeContext(context.Context, []byte, string, string) (schemas.ContextAnalysis, error) {
	return schemas.ContextAnalysis{}, errors.New("unused")
}

func (c challengeAdvisor) DetectChallenges(context.Context, []byte) (schemas.ChallengeReport, error) {
	return c.report, c.err
}

func TestVisualScraping(t *testing.T) {
	opts := schemas.TaskOptions{
		URL: "https://shop.test",
		Selectors: []schemas.Selector{
			{Name: "price", Query: "price tag in the corner", Type: schemas.SelectorVisual},
			{Name: "title", Query: "h2"},
		},
	}
	extractor := &fakeExtractor{items: []schemas.Item{{"price": "1"}, {"price": "2"}, {"price": "3"}}}

	t.Run("extracts after a clean challenge check", func(t *testing.T) {
		provider := &pageProvider{shot: []byte{0x89, 'P', 'N', 'G'}}
		sess := leaseBrowser(t, provider)
		ctl := &fakeControl{}
		v := &VisualScraping{Extractor: extractor, Advisor: challengeAdvisor{err: errors.New("advisor down")}}

		items, err := v.Execute(context.Background(), newAttempt(t, sess, opts, ctl))
		require.NoError(t, err)
		assert.Len(t, items, 3)
		assert.Equal(t, 3, ctl.processed)
		require.Len(t, extractor.fields, 2)
		assert.Equal(t, "price tag in the corner", extractor.fields[0].Query)
		assert.True(t, strings.Contains(extractor.fields[1].Query, `css "h2"`))
	})

	t.Run("challenge fails the attempt", func(t *testing.T) {
		provider := &pageProvider{shot: []byte{0x89, 'P', 'N', 'G'}}
		sess := leaseBrowser(t, provider)
		v := &VisualScraping{Extractor: extractor, Advisor: challengeAdvisor{report: schemas.ChallengeReport{HasChallenges: true, Challenges: []string{"recaptcha"}}}}

		_, err := v.Execute(context.Background(), newAttempt(t, sess, opts, &fakeControl{}))
		assert.ErrorIs(t, err, ErrBlocked)
		assert.ErrorContains(t, err, "recaptcha")

		var detected bool
		for _, ev := range sess.Events() {
			detected = detected || ev.Type == schemas.EventDetection
		}
		assert.True(t, detected)
	})

	t.Run("no extractor", func(t *testing.T) {
		_, err := (&VisualScraping{}).Execute(context.Background(), newAttempt(t, httpSession(), opts, &fakeControl{}))
		assert.Error(t, err)
	})
}
