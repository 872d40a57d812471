// File: internal/orchestrator/orchestrator.go
// Description: Owns the task collection and the global concurrency cap. It is
// injected with the method engine, session manager and pools via interfaces.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
	"github.com/xkilldash9x/scalpel-harvest/internal/config"
	"github.com/xkilldash9x/scalpel-harvest/internal/method"
	"github.com/xkilldash9x/scalpel-harvest/internal/metrics"
	"github.com/xkilldash9x/scalpel-harvest/internal/proxypool"
	"github.com/xkilldash9x/scalpel-harvest/internal/task"
)

// DefaultMaxConcurrentTasks applies when the configured cap is not positive.
const DefaultMaxConcurrentTasks = 5

// ErrShutdown rejects calls after Shutdown.
var ErrShutdown = errors.New("orchestrator is shut down")

// Executor runs one task to an outcome.
type Executor interface {
	Execute(ctx context.Context, taskID string, opts schemas.TaskOptions, ctl method.Control) (method.Outcome, error)
}

// SessionReleaser force-closes leased sessions.
type SessionReleaser interface {
	ReleaseTask(ctx context.Context, taskID string) int
	CloseAll(ctx context.Context)
}

// IdentityPool is the part of the identity pool the orchestrator drives.
type IdentityPool interface {
	Forget(key string)
	Stats() (total, inUse int)
	Restore(ctx context.Context, store schemas.PoolStore) error
	Snapshot(ctx context.Context, store schemas.PoolStore) error
}

// ProxyPool is the part of the proxy pool the orchestrator drives.
type ProxyPool interface {
	Forget(key string)
	Stats() proxypool.Stats
	Restore(ctx context.Context, store schemas.PoolStore) error
	Snapshot(ctx context.Context, store schemas.PoolStore) error
	Run(ctx context.Context)
}

// EventSource feeds session events to the orchestrator.
type EventSource interface {
	Subscribe(types ...schemas.SessionEventType) (<-chan schemas.SessionEvent, func())
	Shutdown()
}

// Deps are the collaborators. Engine, Sessions, Identities and Sink are
// required; the rest may be nil.
type Deps struct {
	Engine     Executor
	Sessions   SessionReleaser
	Identities IdentityPool
	Proxies    ProxyPool
	Sink       schemas.ResultSink
	Pools      schemas.PoolStore
	Events     EventSource
	Metrics    *metrics.Collector
}

// Config holds the facade's limits.
type Config struct {
	MaxConcurrentTasks int
	TaskTimeout        time.Duration
	ProgressHalfLife   time.Duration
	ShutdownTimeout    time.Duration
	SaveTimeout        time.Duration
}

// ConfigFrom lifts the orchestrator and sink sections.
func ConfigFrom(cfg config.Interface) Config {
	return Config{
		MaxConcurrentTasks: cfg.Orchestrator().MaxConcurrentTasks,
		TaskTimeout:        cfg.Orchestrator().TaskTimeout,
		ProgressHalfLife:   cfg.Orchestrator().ProgressHalfLife,
		ShutdownTimeout:    cfg.Orchestrator().ShutdownTimeout,
		SaveTimeout:        cfg.Sink().SaveTimeout,
	}
}

// Orchestrator is the entry point for task control. Tasks run concurrently
// up to the cap; there is no queue.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	sem    *semaphore.Weighted

	baseCtx    context.Context
	cancelBase context.CancelFunc
	runners    sync.WaitGroup
	background sync.WaitGroup

	mu     sync.RWMutex
	tasks  map[string]*task.Task
	order  []string
	closed bool
}

// New wires an orchestrator and starts its background loops: the event
// consumer and the proxy re-test loop.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Engine == nil || deps.Sessions == nil || deps.Identities == nil || deps.Sink == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 30 * time.Second
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		deps:       deps,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "orchestrator")),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		tasks:      make(map[string]*task.Task),
	}

	if deps.Events != nil {
		events, unsubscribe := deps.Events.Subscribe()
		o.background.Add(1)
		go o.consumeEvents(events, unsubscribe)
	}
	if deps.Proxies != nil {
		o.background.Add(1)
		go func() {
			defer o.background.Done()
			deps.Proxies.Run(baseCtx)
		}()
	}
	o.refreshPoolGauges()
	return o, nil
}

// Restore loads persisted pool records. It is a no-op without a pool store.
func (o *Orchestrator) Restore(ctx context.Context) error {
	if o.deps.Pools == nil {
		return nil
	}
	var errs []error
	if err := o.deps.Identities.Restore(ctx, o.deps.Pools); err != nil {
		errs = append(errs, err)
	}
	if o.deps.Proxies != nil {
		if err := o.deps.Proxies.Restore(ctx, o.deps.Pools); err != nil {
			errs = append(errs, err)
		}
	}
	o.refreshPoolGauges()
	return errors.Join(errs...)
}

// -- Task Control --

// CreateTask validates opts and registers an idle task.
func (o *Orchestrator) CreateTask(opts schemas.TaskOptions) (string, error) {
	if err := ValidateOptions(opts); err != nil {
		return "", err
	}
	id := uuid.NewString()
	t := task.New(id, opts, task.WithHalfLife(o.cfg.ProgressHalfLife))

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", ErrShutdown
	}
	o.tasks[id] = t
	o.order = append(o.order, id)
	o.logger.Info("Task created", zap.String("task_id", id), zap.String("name", opts.Name), zap.String("url", opts.URL))
	return id, nil
}

func (o *Orchestrator) lookup(id string) (*task.Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return nil, ErrShutdown
	}
	t, ok := o.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", schemas.ErrTaskNotFound, id)
	}
	return t, nil
}

// StartTask runs the task in the background. It fails fast with
// schemas.ErrConcurrencyLimitExceeded when every slot is taken.
func (o *Orchestrator) StartTask(id string) error {
	t, err := o.lookup(id)
	if err != nil {
		return err
	}
	if t.State().IsActive() {
		return schemas.ErrAlreadyRunning
	}
	if !o.sem.TryAcquire(1) {
		return schemas.ErrConcurrencyLimitExceeded
	}

	runCtx, cancel := context.WithCancel(o.baseCtx)
	run, err := t.Begin(cancel)
	if err != nil {
		cancel()
		o.sem.Release(1)
		return err
	}

	o.runners.Add(1)
	o.deps.Metrics.TaskStarted()
	o.logger.Info("Task started", zap.String("task_id", id), zap.Uint64("generation", run.Generation()))
	go o.runTask(runCtx, cancel, t, run)
	return nil
}

// PauseTask suspends the task at its next checkpoint.
func (o *Orchestrator) PauseTask(id string) error {
	t, err := o.lookup(id)
	if err != nil {
		return err
	}
	if !t.Pause() {
		o.logger.Warn("Pause ignored", zap.String("task_id", id), zap.String("state", string(t.State())))
		return nil
	}
	o.logger.Info("Task paused", zap.String("task_id", id))
	return nil
}

// ResumeTask continues a paused task.
func (o *Orchestrator) ResumeTask(id string) error {
	t, err := o.lookup(id)
	if err != nil {
		return err
	}
	if !t.Resume() {
		o.logger.Warn("Resume ignored", zap.String("task_id", id), zap.String("state", string(t.State())))
		return nil
	}
	o.logger.Info("Task resumed", zap.String("task_id", id))
	return nil
}

// StopTask returns the task to idle and closes its sessions at once.
func (o *Orchestrator) StopTask(id string) error {
	t, err := o.lookup(id)
	if err != nil {
		return err
	}
	o.stop(t)
	return nil
}

func (o *Orchestrator) stop(t *task.Task) {
	if !t.Stop() {
		o.logger.Warn("Stop ignored", zap.String("task_id", t.ID), zap.String("state", string(t.State())))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownTimeout)
	defer cancel()
	closed := o.deps.Sessions.ReleaseTask(ctx, t.ID)
	o.logger.Info("Task stopped", zap.String("task_id", t.ID), zap.Int("sessions_closed", closed))
}

// RemoveTask stops the task if needed and forgets it, including its sticky
// identity and proxy affinity. It reports whether a task was removed.
func (o *Orchestrator) RemoveTask(id string) bool {
	t, err := o.lookup(id)
	if err != nil {
		return false
	}
	if t.State().IsActive() {
		o.stop(t)
	}

	o.mu.Lock()
	delete(o.tasks, id)
	for i, existing := range o.order {
		if existing == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	o.mu.Unlock()

	o.deps.Identities.Forget(id)
	if o.deps.Proxies != nil {
		o.deps.Proxies.Forget(id)
	}
	o.logger.Info("Task removed", zap.String("task_id", id))
	return true
}

// GetTaskStatus returns a copy of the task's status, or nil when unknown.
func (o *Orchestrator) GetTaskStatus(id string) *schemas.TaskStatus {
	t, err := o.lookup(id)
	if err != nil {
		return nil
	}
	st := t.Status()
	return &st
}

// GetTaskResults returns the task's buffered results, falling back to the
// sink for tasks with nothing in memory.
func (o *Orchestrator) GetTaskResults(ctx context.Context, id string) ([]schemas.Item, error) {
	if t, err := o.lookup(id); err == nil {
		if items := t.Results(); items != nil {
			return items, nil
		}
	}
	return o.deps.Sink.Latest(ctx, id)
}

// ListTasks returns every task's status in creation order.
func (o *Orchestrator) ListTasks() []schemas.TaskStatus {
	o.mu.RLock()
	tasks := make([]*task.Task, 0, len(o.order))
	for _, id := range o.order {
		tasks = append(tasks, o.tasks[id])
	}
	o.mu.RUnlock()

	out := make([]schemas.TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Status())
	}
	return out
}

// -- Execution --

// runTask owns one run's slot until the engine returns.
func (o *Orchestrator) runTask(ctx context.Context, cancel context.CancelFunc, t *task.Task, run *task.Run) {
	defer o.runners.Done()
	defer o.sem.Release(1)
	defer cancel()

	logger := o.logger.With(zap.String("task_id", t.ID), zap.Uint64("generation", run.Generation()))
	timeout := t.Options.Timeout
	if timeout <= 0 {
		timeout = o.cfg.TaskTimeout
	}
	execCtx := ctx
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		execCtx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}

	outcome, err := o.deps.Engine.Execute(execCtx, t.ID, t.Options, &trackedRun{Run: run, metrics: o.deps.Metrics})

	// Leftover sessions go now, whatever the outcome.
	releaseCtx, cancelRelease := context.WithTimeout(context.Background(), o.cfg.ShutdownTimeout)
	o.deps.Sessions.ReleaseTask(releaseCtx, t.ID)
	cancelRelease()

	switch {
	case err == nil:
		o.deps.Metrics.MethodAttempt(outcome.Method, true)
		result, ok := run.Complete(outcome.Method, outcome.Items)
		if !ok {
			logger.Info("Discarding results of a stopped run")
			o.deps.Metrics.TaskFinished("stopped", run.Elapsed())
			return
		}
		logger.Info("Task completed", zap.String("method", string(outcome.Method)), zap.Int("items", len(outcome.Items)))
		o.save(ctx, logger, result)
		o.deps.Metrics.TaskFinished("completed", run.Elapsed())

	case errors.Is(err, schemas.ErrCancelled) || run.Stopped():
		logger.Info("Task run ended by stop")
		o.deps.Metrics.TaskFinished("stopped", run.Elapsed())

	default:
		if run.Fail(err) {
			logger.Error("Task failed", zap.Error(err))
		}
		o.deps.Metrics.TaskFinished("failed", run.Elapsed())
	}
	o.refreshPoolGauges()
}

func (o *Orchestrator) save(ctx context.Context, logger *zap.Logger, result schemas.TaskResult) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SaveTimeout)
	defer cancel()
	err := o.deps.Sink.Save(saveCtx, result)
	o.deps.Metrics.SinkSave(err)
	if err != nil {
		logger.Error("Failed to save results", zap.Error(err))
	}
}

// trackedRun counts failed attempts as they are recorded.
type trackedRun struct {
	*task.Run
	metrics *metrics.Collector
}

func (r *trackedRun) RecordError(m schemas.Method, err error) {
	r.Run.RecordError(m, err)
	r.metrics.MethodAttempt(m, false)
}

func (o *Orchestrator) consumeEvents(events <-chan schemas.SessionEvent, unsubscribe func()) {
	defer o.background.Done()
	defer unsubscribe()
	for ev := range events {
		o.deps.Metrics.SessionEvent(ev)
		switch ev.Type {
		case schemas.EventDetection:
			o.logger.Warn("Detection signal reported",
				zap.String("task_id", ev.TaskID), zap.String("session_id", ev.SessionID), zap.String("signal", ev.Message))
		case schemas.EventSessionCreated, schemas.EventSessionClosed:
			o.refreshPoolGauges()
		}
	}
}

func (o *Orchestrator) refreshPoolGauges() {
	if o.deps.Metrics == nil {
		return
	}
	total, inUse := o.deps.Identities.Stats()
	o.deps.Metrics.SetIdentities(total, inUse)
	if o.deps.Proxies != nil {
		s := o.deps.Proxies.Stats()
		o.deps.Metrics.SetProxies(map[schemas.ProxyStatus]int{
			schemas.ProxyAvailable: s.Available,
			schemas.ProxyInUse:     s.InUse,
			schemas.ProxyFailing:   s.Failing,
			schemas.ProxyBanned:    s.Banned,
		})
	}
}

// -- Shutdown --

// Shutdown stops every task, waits for runners, stops the background loops,
// closes the event bus and snapshots the pools. It is safe to call twice.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	tasks := make([]*task.Task, 0, len(o.tasks))
	for _, id := range o.order {
		tasks = append(tasks, o.tasks[id])
	}
	o.mu.Unlock()

	o.logger.Info("Shutting down orchestrator", zap.Int("tasks", len(tasks)))
	var g errgroup.Group
	for _, t := range tasks {
		if t.State().IsActive() {
			g.Go(func() error {
				o.stop(t)
				return nil
			})
		}
	}
	_ = g.Wait()

	var errs []error
	if err := waitGroup(ctx, &o.runners); err != nil {
		errs = append(errs, fmt.Errorf("waiting for task runners: %w", err))
	}
	o.cancelBase()
	o.deps.Sessions.CloseAll(ctx)

	if o.deps.Events != nil {
		o.deps.Events.Shutdown()
	}
	if err := waitGroup(ctx, &o.background); err != nil {
		errs = append(errs, fmt.Errorf("waiting for background loops: %w", err))
	}

	if o.deps.Pools != nil {
		if err := o.deps.Identities.Snapshot(ctx, o.deps.Pools); err != nil {
			errs = append(errs, err)
		}
		if o.deps.Proxies != nil {
			if err := o.deps.Proxies.Snapshot(ctx, o.deps.Pools); err != nil {
				errs = append(errs, err)
			}
		}
	}
	o.logger.Info("Orchestrator shut down")
	return errors.Join(errs...)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
