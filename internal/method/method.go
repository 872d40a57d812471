// internal/method/method.go
package method

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
	"github.com/xkilldash9x/scalpel-harvest/internal/behavior"
	"github.com/xkilldash9x/scalpel-harvest/internal/network"
	"github.com/xkilldash9x/scalpel-harvest/internal/session"
)

var (
	// ErrNoItems fails an attempt that ran cleanly but extracted nothing.
	ErrNoItems = errors.New("no items extracted")
	// ErrBlocked marks an attempt the target refused: challenge pages,
	// 401/403/429 responses. It does not count against the proxy.
	ErrBlocked = errors.New("blocked by target")
)

// Control is the task-side view an attempt runs under.
type Control interface {
	// Checkpoint blocks while the task is paused and returns
	// schemas.ErrCancelled once it has been stopped.
	Checkpoint(ctx context.Context) error
	Stopped() bool
	AddProcessed(n int)
	// DiscardProcessed takes back items counted by an attempt that failed.
	DiscardProcessed(n int)
	RecordError(m schemas.Method, err error)
	SetMethod(m schemas.Method)
}

// Leaser hands out and takes back sessions.
type Leaser interface {
	Lease(ctx context.Context, req session.Request) (*session.Session, error)
	ReleaseAll(ctx context.Context, s *session.Session) error
}

// ProxyReporter receives attempt outcomes for the proxy that carried them.
type ProxyReporter interface {
	ReportSuccess(id string, responseTime time.Duration)
	ReportFailure(id string, permanent bool)
}

// Attempt is everything one strategy execution can use.
type Attempt struct {
	TaskID   string
	Options  schemas.TaskOptions
	Session  *session.Session
	Settings behavior.Settings
	Pacer    *behavior.Pacer
	Control  Control
	HTTP     *network.Factory
	Limiter  *network.HostLimiter
	MaxPages int
}

// Strategy executes one extraction method.
type Strategy interface {
	Method() schemas.Method
	RequiresBrowser() bool
	Execute(ctx context.Context, a *Attempt) ([]schemas.Item, error)
}

// pause waits out a pacing delay and then checks for pause or stop.
func (a *Attempt) pause(ctx context.Context, d time.Duration) error {
	if err := behavior.Sleep(ctx, d); err != nil {
		return err
	}
	return a.Control.Checkpoint(ctx)
}

func (a *Attempt) maxPages() int {
	if p := a.Options.Pagination; p != nil && p.MaxPages > 0 {
		return p.MaxPages
	}
	if a.MaxPages > 0 {
		return a.MaxPages
	}
	return 1
}

// client builds an HTTP client that egresses through the session's proxy
// and presents its identity.
func (a *Attempt) client() (*network.Client, error) {
	return a.HTTP.Client(network.ClientOptions{
		Proxy:    a.Session.Proxy,
		Identity: &a.Session.Identity,
		Limiter:  a.Limiter,
	})
}

// pageURL sets the page query parameter on raw.
func pageURL(raw, param string, page int) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(param, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// proxyFault reports whether err reflects on the egress route rather than
// on the selectors, the credentials or the target's answer.
func proxyFault(err error) bool {
	if errors.Is(err, ErrBlocked) {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"ERR_PROXY", "ERR_TUNNEL", "ERR_CONNECTION", "proxyconnect", "Proxy Authentication Required"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// fetch runs one request under the per-request timeout.
func fetch(ctx context.Context, client *network.Client, req *http.Request, timeout time.Duration) (*network.Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return client.Fetch(ctx, req)
}
