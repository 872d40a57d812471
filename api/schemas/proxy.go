package schemas

import (
	"net/url"
	"strings"
	"time"
)

// ProxyType classifies the egress network of a proxy.
type ProxyType string

const (
	ProxyResidential ProxyType = "residential"
	ProxyDatacenter  ProxyType = "datacenter"
	ProxyMobile      ProxyType = "mobile"
)

// ProxyStatus is the reported status of a proxy.
type ProxyStatus string

const (
	ProxyAvailable ProxyStatus = "available"
	ProxyInUse     ProxyStatus = "in-use"
	ProxyFailing   ProxyStatus = "failing"
	ProxyBanned    ProxyStatus = "banned"
)

// ProxyStrategy selects among candidate proxies.
type ProxyStrategy string

const (
	StrategyRoundRobin ProxyStrategy = "round-robin"
	StrategyRandom     ProxyStrategy = "random"
	StrategySmart      ProxyStrategy = "smart"
	StrategySticky     ProxyStrategy = "sticky"
)

// Valid reports whether s is a known strategy.
func (s ProxyStrategy) Valid() bool {
	switch s {
	case StrategyRoundRobin, StrategyRandom, StrategySmart, StrategySticky:
		return true
	}
	return false
}

// Proxy is an egress route with health accounting.
type Proxy struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	Username string    `json:"username,omitempty"`
	Password string    `json:"password,omitempty"`
	Type     ProxyType `json:"type,omitempty"`
	Country  string    `json:"country,omitempty"`
	Pool     string    `json:"pool,omitempty"`

	// Health is the health-derived status: available, failing or banned.
	Health              ProxyStatus   `json:"health"`
	SuccessCount        int           `json:"success_count"`
	FailureCount        int           `json:"failure_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	SuccessRate         float64       `json:"success_rate"`
	LastResponseTime    time.Duration `json:"last_response_time,omitempty"`
	SessionCount        int           `json:"session_count"`

	AddedAt       time.Time `json:"added_at"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
	LastCheckedAt time.Time `json:"last_checked_at,omitempty"`

	// Removed marks a snapshot record of a proxy taken out of the pool.
	Removed bool `json:"removed,omitempty"`
}

// Status combines health with current session usage.
func (p Proxy) Status() ProxyStatus {
	if p.Health == ProxyBanned || p.Health == ProxyFailing {
		return p.Health
	}
	if p.SessionCount > 0 {
		return ProxyInUse
	}
	return ProxyAvailable
}

// Endpoint returns the proxy URL with credentials attached.
func (p Proxy) Endpoint() (*url.URL, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, err
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u, nil
}

// Matches reports whether the proxy satisfies the filter part of c.
func (p Proxy) Matches(c ProxyCriteria) bool {
	if c.Country != "" && !equalFold(p.Country, c.Country) {
		return false
	}
	if c.Type != "" && p.Type != c.Type {
		return false
	}
	if c.Pool != "" && p.Pool != c.Pool {
		return false
	}
	return true
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
