// internal/network/factory.go
package network

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
)

// ClientOptions shape one scraping client.
type ClientOptions struct {
	Proxy    *schemas.Proxy
	Identity *schemas.Identity
	Limiter  *HostLimiter
}

// Factory hands out clients that share one transport per egress route, so
// connection pools survive across method attempts.
type Factory struct {
	base   ClientConfig
	logger *zap.Logger

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// NewFactory creates a factory from base settings.
func NewFactory(base *ClientConfig, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if base == nil {
		base = NewDefaultClientConfig(logger)
	}
	return &Factory{
		base:       *base,
		logger:     logger.Named("http_factory"),
		transports: make(map[string]*http.Transport),
	}
}

// Client builds a client routed through opts.Proxy, presenting the headers
// of opts.Identity and paced by opts.Limiter.
func (f *Factory) Client(opts ClientOptions) (*Client, error) {
	transport, err := f.transport(opts.Proxy)
	if err != nil {
		return nil, err
	}

	var rt http.RoundTripper = NewCompressionMiddleware(transport)
	if opts.Identity != nil {
		rt = &HeaderTransport{Transport: rt, Headers: IdentityHeaders(*opts.Identity)}
	}
	if opts.Limiter != nil {
		rt = &RateLimitedTransport{Transport: rt, Limiter: opts.Limiter}
	}
	cfg := f.base
	return newClientWithTransport(&cfg, rt), nil
}

func (f *Factory) transport(proxy *schemas.Proxy) (*http.Transport, error) {
	key := "direct"
	cfg := f.base
	cfg.Logger = f.logger
	if proxy != nil {
		endpoint, err := proxy.Endpoint()
		if err != nil {
			return nil, fmt.Errorf("proxy %s has an invalid url: %w", proxy.ID, err)
		}
		key = endpoint.String()
		cfg.ProxyURL = endpoint
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transports[key]; ok {
		return t, nil
	}
	t := NewHTTPTransport(&cfg)
	f.transports[key] = t
	return t, nil
}

// CloseIdle drops idle connections on every transport.
func (f *Factory) CloseIdle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transports {
		t.CloseIdleConnections()
	}
}

// IdentityHeaders returns the request headers a browser with this fingerprint sends.
func IdentityHeaders(ident schemas.Identity) http.Header {
	h := http.Header{}
	fp := ident.Fingerprint
	if fp.UserAgent != "" {
		h.Set("User-Agent", fp.UserAgent)
	}
	if len(fp.Languages) > 0 {
		h.Set("Accept-Language", acceptLanguage(fp.Languages))
	}
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	return h
}

// acceptLanguage renders languages with descending quality values.
func acceptLanguage(langs []string) string {
	parts := make([]string, 0, len(langs))
	for i, lang := range langs {
		if i == 0 {
			parts = append(parts, lang)
			continue
		}
		q := 1.0 - float64(i)*0.1
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", lang, q))
	}
	return strings.Join(parts, ",")
}
