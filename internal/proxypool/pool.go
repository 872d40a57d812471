// internal/proxypool/pool.go
package proxypool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
	"github.com/xkilldash9x/scalpel-harvest/internal/config"
)

const (
	emaWeight          = 0.1
	defaultRetestLimit = 4
	// unmeasuredLatency stands in for proxies that have never reported a response time.
	unmeasuredLatency = time.Second
)

// ErrProxyNotFound is returned by Test for an unknown id.
var ErrProxyNotFound = errors.New("proxy not found")

// Prober checks whether a proxy can carry traffic and how fast it answers.
type Prober interface {
	Probe(ctx context.Context, proxy schemas.Proxy) (time.Duration, error)
}

// ProbeResult is the outcome of one on-demand or scheduled re-test.
type ProbeResult struct {
	ProxyID string
	OK      bool
	Latency time.Duration
	Err     error
	Status  schemas.ProxyStatus
}

// StatusHook observes health transitions, e.g. for metrics.
type StatusHook func(proxy schemas.Proxy, from, to schemas.ProxyStatus)

// Options controls selection and health policy.
type Options struct {
	Strategy            schemas.ProxyStrategy
	PoolStrategies      map[string]schemas.ProxyStrategy
	Cooldown            time.Duration
	CheckInterval       time.Duration
	FailureThreshold    int
	MinSuccessRate      float64
	MaxSessionsPerProxy int
	RoundRobinBucket    time.Duration
}

// OptionsFromConfig translates the proxy section of the configuration.
func OptionsFromConfig(cfg config.ProxyConfig) Options {
	pools := make(map[string]schemas.ProxyStrategy, len(cfg.Pools))
	for name, strategy := range cfg.Pools {
		pools[name] = schemas.ProxyStrategy(strategy)
	}
	return Options{
		Strategy:            schemas.ProxyStrategy(cfg.Strategy),
		PoolStrategies:      pools,
		Cooldown:            cfg.Cooldown,
		CheckInterval:       cfg.CheckInterval,
		FailureThreshold:    cfg.FailureThreshold,
		MinSuccessRate:      cfg.MinSuccessRate,
		MaxSessionsPerProxy: cfg.MaxSessionsPerProxy,
		RoundRobinBucket:    cfg.RoundRobinBucket,
	}
}

func (o *Options) normalize() {
	if !o.Strategy.Valid() {
		o.Strategy = schemas.StrategySmart
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 5 * time.Minute
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = 30 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.MinSuccessRate <= 0 {
		o.MinSuccessRate = 30
	}
	if o.MaxSessionsPerProxy <= 0 {
		o.MaxSessionsPerProxy = 1
	}
	if o.RoundRobinBucket <= 0 {
		o.RoundRobinBucket = time.Second
	}
}

// Pool tracks proxies, their health and the sessions riding on them.
type Pool struct {
	opts   Options
	prober Prober
	logger *zap.Logger
	now    func() time.Time
	hook   StatusHook

	mu      sync.Mutex
	rng     *rand.Rand
	proxies map[string]*schemas.Proxy
	order   []string
	// bindings maps a session key to the proxy it holds.
	bindings map[string]string
	// affinity maps a sticky key (task id) to the proxy it last held.
	affinity map[string]string
	// removed keeps removed proxies so snapshots overwrite their records.
	removed map[string]schemas.Proxy
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// WithRand sets the source used by the random strategy.
func WithRand(rng *rand.Rand) PoolOption {
	return func(p *Pool) { p.rng = rng }
}

// WithStatusHook registers a callback for health transitions. It runs outside the pool lock.
func WithStatusHook(hook StatusHook) PoolOption {
	return func(p *Pool) { p.hook = hook }
}

// New creates an empty pool. prober may be nil, in which case re-tests are skipped.
func New(opts Options, prober Prober, logger *zap.Logger, poolOpts ...PoolOption) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.normalize()
	p := &Pool{
		opts:     opts,
		prober:   prober,
		logger:   logger.With(zap.String("component", "proxy_pool")),
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		proxies:  make(map[string]*schemas.Proxy),
		bindings: make(map[string]string),
		affinity: make(map[string]string),
		removed:  make(map[string]schemas.Proxy),
	}
	for _, opt := range poolOpts {
		opt(p)
	}
	return p
}

// -- Membership --

// Add registers a proxy and returns its id. Duplicate endpoints are rejected.
func (p *Pool) Add(proxy schemas.Proxy) (string, error) {
	if err := validateURL(proxy.URL); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, existing := range p.proxies {
		if existing.URL == proxy.URL && existing.Username == proxy.Username {
			return "", fmt.Errorf("proxy %s already registered as %s", proxy.URL, existing.ID)
		}
	}
	if proxy.ID == "" {
		proxy.ID = uuid.NewString()
	}
	if _, exists := p.proxies[proxy.ID]; exists {
		return "", fmt.Errorf("proxy id %q already registered", proxy.ID)
	}
	if proxy.Health == "" {
		proxy.Health = schemas.ProxyAvailable
	}
	if proxy.SuccessCount == 0 && proxy.FailureCount == 0 && proxy.SuccessRate == 0 {
		proxy.SuccessRate = 100
	}
	proxy.SuccessRate = clampRate(proxy.SuccessRate)
	// Sessions never survive a restart.
	proxy.SessionCount = 0
	if proxy.AddedAt.IsZero() {
		proxy.AddedAt = p.now()
	}

	proxy.Removed = false
	delete(p.removed, proxy.ID)
	stored := proxy
	p.proxies[proxy.ID] = &stored
	p.order = append(p.order, proxy.ID)
	return proxy.ID, nil
}

// Remove drops a proxy. Live sessions keep their copy; their release is a
// no-op. The next snapshot records the removal so a restore skips it.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	proxy, ok := p.proxies[id]
	if !ok {
		return false
	}
	gone := *proxy
	gone.Removed = true
	gone.SessionCount = 0
	p.removed[id] = gone
	delete(p.proxies, id)
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	for key, bound := range p.affinity {
		if bound == id {
			delete(p.affinity, key)
		}
	}
	return true
}

// Get returns a copy of one proxy.
func (p *Pool) Get(id string) (schemas.Proxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	proxy, ok := p.proxies[id]
	if !ok {
		return schemas.Proxy{}, false
	}
	return *proxy, true
}

// List returns copies of all proxies in insertion order.
func (p *Pool) List() []schemas.Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]schemas.Proxy, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.proxies[id])
	}
	return out
}

// Stats summarizes the pool by reported status.
type Stats struct {
	Total     int
	Available int
	InUse     int
	Failing   int
	Banned    int
}

// Stats counts proxies by status.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Total: len(p.proxies)}
	for _, proxy := range p.proxies {
		switch proxy.Status() {
		case schemas.ProxyAvailable:
			s.Available++
		case schemas.ProxyInUse:
			s.InUse++
		case schemas.ProxyFailing:
			s.Failing++
		case schemas.ProxyBanned:
			s.Banned++
		}
	}
	return s
}

// -- Leasing --

// Acquire selects a proxy for sessionKey and increments its session count.
// It returns nil when proxies are disabled for the task or nothing is eligible.
func (p *Pool) Acquire(sessionKey string, criteria schemas.ProxyCriteria) *schemas.Proxy {
	if criteria.Disabled {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if id, held := p.bindings[sessionKey]; held {
		if proxy, ok := p.proxies[id]; ok {
			out := *proxy
			return &out
		}
		delete(p.bindings, sessionKey)
	}

	candidates := p.candidates(criteria)
	if len(candidates) == 0 {
		p.logger.Debug("No eligible proxy",
			zap.String("country", criteria.Country),
			zap.String("type", string(criteria.Type)),
			zap.String("pool", criteria.Pool))
		return nil
	}

	strategy := p.opts.Strategy
	if s, ok := p.opts.PoolStrategies[criteria.Pool]; ok && criteria.Pool != "" {
		strategy = s
	}
	if criteria.Sticky {
		strategy = schemas.StrategySticky
	}

	chosen := p.choose(strategy, candidates, criteria.StickyKey)
	chosen.SessionCount++
	p.bindings[sessionKey] = chosen.ID
	if criteria.StickyKey != "" {
		p.affinity[criteria.StickyKey] = chosen.ID
	}

	out := *chosen
	return &out
}

func (p *Pool) candidates(criteria schemas.ProxyCriteria) []*schemas.Proxy {
	var out []*schemas.Proxy
	for _, id := range p.order {
		proxy := p.proxies[id]
		if proxy.Health != schemas.ProxyAvailable {
			continue
		}
		if proxy.SessionCount >= p.opts.MaxSessionsPerProxy {
			continue
		}
		if !proxy.Matches(criteria) {
			continue
		}
		out = append(out, proxy)
	}
	return out
}

func (p *Pool) choose(strategy schemas.ProxyStrategy, candidates []*schemas.Proxy, stickyKey string) *schemas.Proxy {
	switch strategy {
	case schemas.StrategyRoundRobin:
		bucket := p.now().UnixNano() / int64(p.opts.RoundRobinBucket)
		return candidates[int(bucket%int64(len(candidates)))]
	case schemas.StrategyRandom:
		return candidates[p.rng.Intn(len(candidates))]
	case schemas.StrategySticky:
		if id, ok := p.affinity[stickyKey]; ok && stickyKey != "" {
			for _, c := range candidates {
				if c.ID == id {
					return c
				}
			}
		}
		return candidates[p.rng.Intn(len(candidates))]
	default:
		best, bestScore := candidates[0], score(candidates[0])
		for _, c := range candidates[1:] {
			if s := score(c); s > bestScore {
				best, bestScore = c, s
			}
		}
		return best
	}
}

// score is success rate per millisecond of latency.
func score(proxy *schemas.Proxy) float64 {
	latency := proxy.LastResponseTime
	if latency <= 0 {
		latency = unmeasuredLatency
	}
	ms := math.Max(float64(latency)/float64(time.Millisecond), 1)
	return proxy.SuccessRate / ms
}

// Release returns the proxy held by sessionKey. Repeated calls are no-ops.
func (p *Pool) Release(sessionKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, held := p.bindings[sessionKey]
	if !held {
		return
	}
	delete(p.bindings, sessionKey)
	if proxy, ok := p.proxies[id]; ok && proxy.SessionCount > 0 {
		proxy.SessionCount--
	}
}

// Forget drops sticky affinity for key.
func (p *Pool) Forget(key string) {
	p.mu.Lock()
	delete(p.affinity, key)
	p.mu.Unlock()
}

// -- Health --

// ReportSuccess records a successful request through the proxy.
func (p *Pool) ReportSuccess(id string, responseTime time.Duration) {
	p.mu.Lock()
	proxy, ok := p.proxies[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	from := proxy.Health
	proxy.SuccessCount++
	proxy.ConsecutiveFailures = 0
	proxy.SuccessRate = updateRate(proxy.SuccessRate, 100)
	if responseTime > 0 {
		proxy.LastResponseTime = responseTime
	}
	// A success never degrades a proxy.
	if from != schemas.ProxyAvailable {
		p.evaluate(proxy, false)
	}
	snapshot := *proxy
	p.mu.Unlock()

	p.transition(snapshot, from)
}

// ReportFailure records a failed request. Permanent failures ban the proxy.
func (p *Pool) ReportFailure(id string, permanent bool) {
	p.mu.Lock()
	proxy, ok := p.proxies[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	from := proxy.Health
	proxy.FailureCount++
	proxy.ConsecutiveFailures++
	proxy.SuccessRate = updateRate(proxy.SuccessRate, 0)
	proxy.LastFailureAt = p.now()
	p.evaluate(proxy, permanent)
	snapshot := *proxy
	p.mu.Unlock()

	p.transition(snapshot, from)
}

// evaluate applies the status rules. A ban is only lifted by a re-test.
func (p *Pool) evaluate(proxy *schemas.Proxy, permanent bool) {
	switch {
	case permanent:
		proxy.Health = schemas.ProxyBanned
	case proxy.Health == schemas.ProxyBanned:
	case proxy.ConsecutiveFailures >= p.opts.FailureThreshold || proxy.SuccessRate < p.opts.MinSuccessRate:
		proxy.Health = schemas.ProxyFailing
	default:
		proxy.Health = schemas.ProxyAvailable
	}
}

func (p *Pool) transition(proxy schemas.Proxy, from schemas.ProxyStatus) {
	if proxy.Health == from {
		return
	}
	fields := []zap.Field{
		zap.String("proxy_id", proxy.ID),
		zap.String("from", string(from)),
		zap.String("to", string(proxy.Health)),
		zap.Float64("success_rate", proxy.SuccessRate),
		zap.Int("consecutive_failures", proxy.ConsecutiveFailures),
	}
	if proxy.Health == schemas.ProxyAvailable {
		p.logger.Info("Proxy recovered", fields...)
	} else {
		p.logger.Warn("Proxy health degraded", fields...)
	}
	if p.hook != nil {
		p.hook(proxy, from, proxy.Health)
	}
}

func updateRate(rate, observed float64) float64 {
	return clampRate(rate*(1-emaWeight) + observed*emaWeight)
}

func clampRate(rate float64) float64 {
	return math.Min(100, math.Max(0, rate))
}

// -- Re-testing --

// Test probes one proxy regardless of its status. Success restores a failing
// or banned proxy to available; the lifetime failure count is kept.
func (p *Pool) Test(ctx context.Context, id string) ProbeResult {
	proxy, ok := p.Get(id)
	if !ok {
		return ProbeResult{ProxyID: id, Err: ErrProxyNotFound}
	}
	if p.prober == nil {
		return ProbeResult{ProxyID: id, Err: errors.New("no prober configured"), Status: proxy.Status()}
	}

	latency, err := p.prober.Probe(ctx, proxy)

	p.mu.Lock()
	current, ok := p.proxies[id]
	if !ok {
		p.mu.Unlock()
		return ProbeResult{ProxyID: id, Err: ErrProxyNotFound}
	}
	from := current.Health
	current.LastCheckedAt = p.now()
	if err != nil {
		current.LastFailureAt = current.LastCheckedAt
	} else {
		current.Health = schemas.ProxyAvailable
		current.ConsecutiveFailures = 0
		current.LastResponseTime = latency
		// Recovery starts at the availability floor so the next report
		// is judged on its own.
		current.SuccessRate = math.Max(updateRate(current.SuccessRate, 100), p.opts.MinSuccessRate)
	}
	snapshot := *current
	p.mu.Unlock()

	if err != nil {
		p.logger.Debug("Proxy probe failed", zap.String("proxy_id", id), zap.Error(err))
		return ProbeResult{ProxyID: id, Err: err, Status: snapshot.Status()}
	}
	p.transition(snapshot, from)
	return ProbeResult{ProxyID: id, OK: true, Latency: latency, Status: snapshot.Status()}
}

// TestAll probes every proxy with bounded parallelism.
func (p *Pool) TestAll(ctx context.Context, parallelism int) []ProbeResult {
	ids := p.ids(func(*schemas.Proxy) bool { return true })
	return p.testMany(ctx, ids, parallelism)
}

// RetestDue probes failing proxies whose cool-down has elapsed.
func (p *Pool) RetestDue(ctx context.Context) []ProbeResult {
	now := p.now()
	due := p.ids(func(proxy *schemas.Proxy) bool {
		if proxy.Health != schemas.ProxyFailing {
			return false
		}
		last := proxy.LastFailureAt
		if proxy.LastCheckedAt.After(last) {
			last = proxy.LastCheckedAt
		}
		return now.Sub(last) >= p.opts.Cooldown
	})
	if len(due) == 0 {
		return nil
	}
	p.logger.Debug("Re-testing failing proxies", zap.Int("count", len(due)))
	return p.testMany(ctx, due, defaultRetestLimit)
}

func (p *Pool) ids(keep func(*schemas.Proxy) bool) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for _, id := range p.order {
		if keep(p.proxies[id]) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (p *Pool) testMany(ctx context.Context, ids []string, parallelism int) []ProbeResult {
	if parallelism <= 0 {
		parallelism = defaultRetestLimit
	}
	results := make([]ProbeResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = p.Test(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Run re-tests failing proxies every check interval until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	if p.prober == nil {
		p.logger.Info("No prober configured, proxy re-test loop disabled")
		return
	}
	ticker := time.NewTicker(p.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RetestDue(ctx)
		}
	}
}

// -- Persistence --

// Restore loads proxies from store, skipping ones already present.
func (p *Pool) Restore(ctx context.Context, store schemas.PoolStore) error {
	proxies, err := store.LoadProxies(ctx)
	if err != nil {
		return fmt.Errorf("loading proxies: %w", err)
	}
	restored := 0
	for _, proxy := range proxies {
		if proxy.Removed {
			p.keepRemoved(proxy)
			continue
		}
		if _, err := p.Add(proxy); err != nil {
			p.logger.Debug("Skipping stored proxy", zap.String("proxy_id", proxy.ID), zap.Error(err))
			continue
		}
		restored++
	}
	p.logger.Info("Restored proxy pool", zap.Int("count", restored))
	return nil
}

func (p *Pool) keepRemoved(proxy schemas.Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, live := p.proxies[proxy.ID]; !live {
		p.removed[proxy.ID] = proxy
	}
}

// Snapshot saves all proxies to store, removed ones included as tombstones.
func (p *Pool) Snapshot(ctx context.Context, store schemas.PoolStore) error {
	proxies := p.List()
	p.mu.Lock()
	for _, gone := range p.removed {
		proxies = append(proxies, gone)
	}
	p.mu.Unlock()
	sort.Slice(proxies, func(i, j int) bool { return proxies[i].ID < proxies[j].ID })
	if err := store.SaveProxies(ctx, proxies); err != nil {
		return fmt.Errorf("saving proxies: %w", err)
	}
	return nil
}
