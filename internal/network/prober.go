// internal/network/prober.go
package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
)

// DefaultProbeURL answers 204 with an empty body.
const DefaultProbeURL = "https://www.gstatic.com/generate_204"

// Prober checks proxies by fetching a small known URL through them.
type Prober struct {
	factory *Factory
	url     string
	timeout time.Duration
}

// NewProber creates a prober. Empty url and zero timeout pick defaults.
func NewProber(factory *Factory, url string, timeout time.Duration) *Prober {
	if url == "" {
		url = DefaultProbeURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Prober{factory: factory, url: url, timeout: timeout}
}

// Probe fetches the probe URL through proxy and returns the elapsed time.
func (p *Prober) Probe(ctx context.Context, proxy schemas.Proxy) (time.Duration, error) {
	client, err := p.factory.Client(ClientOptions{Proxy: &proxy})
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probing through %s: %w", proxy.URL, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	elapsed := time.Since(start)

	switch {
	case resp.StatusCode == http.StatusProxyAuthRequired:
		return elapsed, fmt.Errorf("proxy %s rejected credentials", proxy.URL)
	case resp.StatusCode >= 400:
		return elapsed, fmt.Errorf("probe returned HTTP %d", resp.StatusCode)
	}
	return elapsed, nil
}
