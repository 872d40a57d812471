// internal/orchestrator/wire.go
package orchestrator

import (
	"context"
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
	"github.com/xkilldash9x/scalpel-harvest/internal/browser"
	"github.com/xkilldash9x/scalpel-harvest/internal/config"
	"github.com/xkilldash9x/scalpel-harvest/internal/events"
	"github.com/xkilldash9x/scalpel-harvest/internal/identity"
	"github.com/xkilldash9x/scalpel-harvest/internal/method"
	"github.com/xkilldash9x/scalpel-harvest/internal/metrics"
	"github.com/xkilldash9x/scalpel-harvest/internal/network"
	"github.com/xkilldash9x/scalpel-harvest/internal/proxypool"
	"github.com/xkilldash9x/scalpel-harvest/internal/session"
	"github.com/xkilldash9x/scalpel-harvest/internal/store"
	"github.com/xkilldash9x/scalpel-harvest/internal/vision"
)

// Runtime is a fully wired orchestrator plus the components the CLI
// reaches into directly.
type Runtime struct {
	*Orchestrator
	Proxies *proxypool.Pool
	Metrics *metrics.Collector

	backend  *store.Backend
	provider *browser.Provider
}

// Close shuts the orchestrator down and then releases the browser and the
// sink connections.
func (r *Runtime) Close(ctx context.Context) error {
	err := r.Orchestrator.Shutdown(ctx)
	r.provider.Close()
	r.backend.Close()
	return err
}

// NewProxyPool builds the proxy pool with its prober and imports the
// configured proxy list, if any.
func NewProxyPool(cfg config.Interface, factory *network.Factory, logger *zap.Logger, opts ...proxypool.PoolOption) (*proxypool.Pool, error) {
	pc := cfg.Proxy()
	prober := network.NewProber(factory, pc.ProbeURL, pc.ProbeTimeout)
	pool := proxypool.New(proxypool.OptionsFromConfig(pc), prober, logger, opts...)
	if pc.ImportFile == "" {
		return pool, nil
	}

	path, err := homedir.Expand(pc.ImportFile)
	if err != nil {
		return nil, fmt.Errorf("expanding proxy list path: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening proxy list: %w", err)
	}
	defer f.Close()
	report, err := pool.Import(f)
	if err != nil {
		return nil, err
	}
	for _, e := range report.Errors {
		logger.Warn("Skipped proxy line", zap.Error(e))
	}
	return pool, nil
}

// Build wires every component from configuration: pools, browser provider,
// session manager, optional vision advisor, method engine, result sink and
// metrics.
func Build(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Runtime, error) {
	backend, err := store.Open(ctx, cfg.Sink(), logger)
	if err != nil {
		return nil, err
	}

	var collector *metrics.Collector
	if cfg.Metrics().Enabled {
		collector = metrics.NewCollector(cfg.Metrics().Namespace, logger)
	}

	factory := network.NewFactory(network.ClientConfigFromNetwork(cfg.Network()), logger)
	proxies, err := NewProxyPool(cfg, factory, logger, proxypool.WithStatusHook(func(p schemas.Proxy, from, to schemas.ProxyStatus) {
		logger.Info("Proxy status changed", zap.String("proxy_id", p.ID), zap.String("from", string(from)), zap.String("to", string(to)))
	}))
	if err != nil {
		backend.Close()
		return nil, err
	}

	identities := identity.NewPool(identity.NewGenerator(cfg.Identity(), cfg.Behavior()), logger, identity.WithMaxSize(cfg.Identity().MaxPoolSize))
	bus := events.NewBus(logger, cfg.Orchestrator().EventBuffer)
	provider := browser.NewProvider(cfg.Browser(), logger)
	sessions := session.NewManager(identities, proxies, provider, bus, session.ConfigFromBrowser(cfg.Browser()), logger)

	var extractor schemas.VisualExtractor
	engineOpts := []method.Option{method.WithProxyReporter(proxies)}
	if cfg.Vision().Enabled {
		advisor, err := vision.New(ctx, cfg.Vision(), logger)
		if err != nil {
			logger.Warn("Vision advisor unavailable, continuing without it", zap.Error(err))
		} else {
			extractor = advisor
			engineOpts = append(engineOpts, method.WithAdvisor(advisor))
		}
	}
	engine := method.NewEngine(sessions, factory, extractor, method.ConfigFrom(cfg), logger, engineOpts...)

	orch, err := New(Deps{
		Engine:     engine,
		Sessions:   sessions,
		Identities: identities,
		Proxies:    proxies,
		Sink:       backend.Sink,
		Pools:      backend.Pools,
		Events:     bus,
		Metrics:    collector,
	}, ConfigFrom(cfg), logger)
	if err != nil {
		provider.Close()
		backend.Close()
		return nil, err
	}
	if err := orch.Restore(ctx); err != nil {
		logger.Warn("Restoring pools failed", zap.Error(err))
	}

	return &Runtime{
		Orchestrator: orch,
		Proxies:      proxies,
		Metrics:      collector,
		backend:      backend,
		provider:     provider,
	}, nil
}
