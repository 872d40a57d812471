// internal/network/ratelimit.go
package network

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// HostLimiter paces requests per host. A zero rate disables limiting.
type HostLimiter struct {
	limit rate.Limit
	burst int

	mu    sync.Mutex
	hosts map[string]*rate.Limiter
}

// NewHostLimiter allows rps requests per second to each host.
func NewHostLimiter(rps float64, burst int) *HostLimiter {
	if burst < 1 {
		burst = 1
	}
	l := rate.Inf
	if rps > 0 {
		l = rate.Limit(rps)
	}
	return &HostLimiter{limit: l, burst: burst, hosts: make(map[string]*rate.Limiter)}
}

func (h *HostLimiter) limiter(host string) *rate.Limiter {
	host = strings.ToLower(host)
	h.mu.Lock()
	defer h.mu.Unlock()
	lim, ok := h.hosts[host]
	if !ok {
		lim = rate.NewLimiter(h.limit, h.burst)
		h.hosts[host] = lim
	}
	return lim
}

// Wait blocks until a request to host is allowed or ctx is done.
func (h *HostLimiter) Wait(ctx context.Context, host string) error {
	if h == nil || h.limit == rate.Inf {
		return nil
	}
	return h.limiter(host).Wait(ctx)
}

// RateLimitedTransport waits on a HostLimiter before each request.
type RateLimitedTransport struct {
	Transport http.RoundTripper
	Limiter   *HostLimiter
}

// RoundTrip implements http.RoundTripper.
func (t *RateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.Limiter.Wait(req.Context(), req.URL.Hostname()); err != nil {
		return nil, err
	}
	return t.Transport.RoundTrip(req)
}

// HeaderTransport sets default headers that the request does not already carry.
type HeaderTransport struct {
	Transport http.RoundTripper
	Headers   http.Header
}

// RoundTrip implements http.RoundTripper.
func (t *HeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var cloned bool
	for key, values := range t.Headers {
		if req.Header.Get(key) != "" || len(values) == 0 {
			continue
		}
		if !cloned {
			req = req.Clone(req.Context())
			cloned = true
		}
		req.Header[key] = append([]string(nil), values...)
	}
	return t.Transport.RoundTrip(req)
}
