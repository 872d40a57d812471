// internal/method/engine.go
package method

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
	"github.com/xkilldash9x/scalpel-harvest/internal/behavior"
	"github.com/xkilldash9x/scalpel-harvest/internal/config"
	"github.com/xkilldash9x/scalpel-harvest/internal/network"
	"github.com/xkilldash9x/scalpel-harvest/internal/session"
)

// Config tunes resolution and strategy defaults.
type Config struct {
	AdvisorPreflight     bool
	AdvisorMinConfidence float64
	MaxPages             int
	// PoolBehavior is the pool-wide layer of behavior settings.
	PoolBehavior schemas.BehaviorOverrides
}

// ConfigFrom lifts the method and behavior sections into an engine config.
func ConfigFrom(cfg config.Interface) Config {
	return Config{
		AdvisorPreflight:     cfg.Method().AdvisorPreflight,
		AdvisorMinConfidence: cfg.Method().AdvisorMinConfidence,
		MaxPages:             cfg.Method().MaxPages,
		PoolBehavior:         behavior.PoolDefaults(cfg.Behavior(), cfg.Browser(), cfg.Network()),
	}
}

// Outcome is a successful execution.
type Outcome struct {
	Method   schemas.Method
	Resolved schemas.Method
	Items    []schemas.Item
}

// Engine resolves a task's method and drives the fallback cascade.
type Engine struct {
	leaser     Leaser
	proxies    ProxyReporter
	advisor    schemas.VisionAdvisor
	http       *network.Factory
	strategies map[schemas.Method]Strategy
	cfg        Config
	logger     *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithStrategies registers strategies, replacing any for the same method.
func WithStrategies(strategies ...Strategy) Option {
	return func(e *Engine) {
		for _, s := range strategies {
			e.strategies[s.Method()] = s
		}
	}
}

// WithAdvisor enables advisor preflight and challenge detection.
func WithAdvisor(advisor schemas.VisionAdvisor) Option {
	return func(e *Engine) { e.advisor = advisor }
}

// WithProxyReporter feeds attempt outcomes back into proxy health.
func WithProxyReporter(r ProxyReporter) Option {
	return func(e *Engine) { e.proxies = r }
}

// NewEngine creates an engine with the standard strategies. The extractor
// and advisor may be nil; visual scraping then fails its attempts.
func NewEngine(leaser Leaser, httpFactory *network.Factory, extractor schemas.VisualExtractor, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpFactory == nil {
		httpFactory = network.NewFactory(nil, logger)
	}
	e := &Engine{
		leaser:     leaser,
		http:       httpFactory,
		strategies: make(map[schemas.Method]Strategy),
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "method_engine")),
	}
	for _, o := range opts {
		o(e)
	}
	defaults := []Strategy{
		&BrowserAutomation{},
		&DirectRequest{},
		&APIClient{now: time.Now},
		&VisualScraping{Extractor: extractor, Advisor: e.advisor, logger: e.logger},
	}
	for _, s := range defaults {
		if _, ok := e.strategies[s.Method()]; !ok {
			e.strategies[s.Method()] = s
		}
	}
	return e
}

// cascadeState is a state of the fallback machine.
type cascadeState int

const (
	statePending cascadeState = iota
	stateAttempting
	stateFailed
	stateSucceeded
	stateExhausted
	stateCancelled
)

// Execute resolves the task's method and runs it, falling through the
// cascade for hybrid. Every failed attempt is recorded on ctl. A stop
// returns schemas.ErrCancelled, which is not a failure.
func (e *Engine) Execute(ctx context.Context, taskID string, opts schemas.TaskOptions, ctl Control) (Outcome, error) {
	resolved, rule := e.resolve(ctx, opts)
	plan := Plan(resolved, opts)
	logger := e.logger.With(zap.String("task_id", taskID), zap.String("resolved", string(resolved)), zap.String("rule", string(rule)))
	logger.Info("Method resolved", zap.Any("plan", plan))

	var (
		state    = statePending
		next     int
		current  schemas.Method
		items    []schemas.Item
		attempts []*schemas.AttemptError
		lastErr  error
	)
	for {
		switch state {
		case statePending:
			// A deadline between attempts ends the cascade without
			// charging the next method for it.
			if err := ctl.Checkpoint(ctx); err != nil {
				lastErr = err
				if e.cancelled(ctx, ctl, err) {
					state = stateCancelled
				} else {
					state = stateExhausted
				}
				continue
			}
			if next >= len(plan) {
				state = stateExhausted
				continue
			}
			current = plan[next]
			next++
			state = stateAttempting

		case stateAttempting:
			ctl.SetMethod(current)
			items, lastErr = e.attempt(ctx, taskID, current, opts, ctl)
			switch {
			case lastErr == nil:
				state = stateSucceeded
			case e.cancelled(ctx, ctl, lastErr):
				state = stateCancelled
			default:
				state = stateFailed
			}

		case stateFailed:
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				lastErr = fmt.Errorf("task timed out: %w", lastErr)
			}
			ae := &schemas.AttemptError{Method: current, Err: lastErr}
			attempts = append(attempts, ae)
			ctl.RecordError(current, lastErr)
			logger.Warn("Method attempt failed", zap.String("method", string(current)), zap.Error(lastErr))
			if ctx.Err() != nil {
				state = stateExhausted
				continue
			}
			state = statePending

		case stateSucceeded:
			logger.Info("Method attempt succeeded", zap.String("method", string(current)), zap.Int("items", len(items)))
			return Outcome{Method: current, Resolved: resolved, Items: items}, nil

		case stateCancelled:
			logger.Info("Execution cancelled", zap.String("method", string(current)))
			return Outcome{Method: current, Resolved: resolved}, schemas.ErrCancelled

		case stateExhausted:
			if len(attempts) == 0 {
				if lastErr != nil {
					return Outcome{Resolved: resolved}, fmt.Errorf("task timed out before any method ran: %w", lastErr)
				}
				return Outcome{Resolved: resolved}, fmt.Errorf("no methods to attempt for %s", resolved)
			}
			if resolved != schemas.MethodHybrid {
				return Outcome{Method: current, Resolved: resolved}, attempts[0]
			}
			return Outcome{Method: current, Resolved: resolved}, &schemas.AllMethodsExhaustedError{Attempts: attempts}
		}
	}
}

// cancelled tells a stop apart from a failure. Timeouts are failures.
func (e *Engine) cancelled(ctx context.Context, ctl Control, err error) bool {
	if ctl.Stopped() || errors.Is(err, schemas.ErrCancelled) {
		return true
	}
	return errors.Is(ctx.Err(), context.Canceled)
}

// attempt leases a fresh session, runs one strategy, and always releases
// the session before returning.
func (e *Engine) attempt(ctx context.Context, taskID string, m schemas.Method, opts schemas.TaskOptions, ctl Control) (items []schemas.Item, err error) {
	strategy, ok := e.strategies[m]
	if !ok {
		return nil, fmt.Errorf("no strategy registered for %s", m)
	}

	sess, err := e.leaser.Lease(ctx, session.Request{
		TaskID:          taskID,
		Method:          m,
		Options:         opts,
		RequiresBrowser: strategy.RequiresBrowser(),
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := e.leaser.ReleaseAll(ctx, sess); rerr != nil {
			e.logger.Warn("Releasing session failed", zap.String("session_id", sess.ID), zap.Error(rerr))
		}
	}()

	tracked := &attemptControl{Control: ctl}
	defer func() {
		if err != nil {
			tracked.discard()
		}
	}()

	settings := behavior.Resolve(opts.Behavior, e.cfg.PoolBehavior, behavior.BuiltinDefaults())
	a := &Attempt{
		TaskID:   taskID,
		Options:  opts,
		Session:  sess,
		Settings: settings,
		Pacer:    behavior.NewPacer(sess.Identity.Behavior, settings, nil),
		Control:  tracked,
		HTTP:     e.http,
		Limiter:  network.NewHostLimiter(settings.RequestsPerSecond, 1),
		MaxPages: e.cfg.MaxPages,
	}

	start := time.Now()
	items, err = strategy.Execute(ctx, a)
	if err == nil && len(items) == 0 {
		err = ErrNoItems
	}
	e.report(sess, err, time.Since(start))
	return items, err
}

// attemptControl tracks what one attempt counted so a failed attempt can
// hand its items back.
type attemptControl struct {
	Control
	mu    sync.Mutex
	added int
}

func (c *attemptControl) AddProcessed(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.added += n
	c.mu.Unlock()
	c.Control.AddProcessed(n)
}

func (c *attemptControl) discard() {
	c.mu.Lock()
	n := c.added
	c.added = 0
	c.mu.Unlock()
	c.Control.DiscardProcessed(n)
}

func (e *Engine) report(sess *session.Session, err error, elapsed time.Duration) {
	if e.proxies == nil || sess.Proxy == nil {
		return
	}
	switch {
	case err == nil:
		e.proxies.ReportSuccess(sess.Proxy.ID, elapsed)
	case proxyFault(err):
		e.proxies.ReportFailure(sess.Proxy.ID, false)
	}
}
