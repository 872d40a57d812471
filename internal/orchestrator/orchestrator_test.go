package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
	"github.com/xkilldash9x/scalpel-harvest/internal/config"
	"github.com/xkilldash9x/scalpel-harvest/internal/events"
	"github.com/xkilldash9x/scalpel-harvest/internal/identity"
	"github.com/xkilldash9x/scalpel-harvest/internal/method"
	"github.com/xkilldash9x/scalpel-harvest/internal/metrics"
	"github.com/xkilldash9x/scalpel-harvest/internal/mocks"
	"github.com/xkilldash9x/scalpel-harvest/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Test Doubles --

// gatedEngine runs until its gate opens, checkpointing as it goes.
type gatedEngine struct {
	gate  chan struct{}
	items []schemas.Item
	err   error

	mu      sync.Mutex
	started []string
}

func newGatedEngine() *gatedEngine {
	return &gatedEngine{gate: make(chan struct{}), items: []schemas.Item{{"title": "a"}, {"title": "b"}}}
}

func (e *gatedEngine) open() { close(e.gate) }

func (e *gatedEngine) Execute(ctx context.Context, taskID string, _ schemas.TaskOptions, ctl method.Control) (method.Outcome, error) {
	e.mu.Lock()
	e.started = append(e.started, taskID)
	e.mu.Unlock()
	ctl.SetMethod(schemas.MethodDirectRequest)
	for {
		if err := ctl.Checkpoint(ctx); err != nil {
			return method.Outcome{}, err
		}
		select {
		case <-e.gate:
			if err := ctl.Checkpoint(ctx); err != nil {
				return method.Outcome{}, err
			}
			if e.err != nil {
				ctl.RecordError(schemas.MethodDirectRequest, e.err)
				return method.Outcome{}, e.err
			}
			ctl.AddProcessed(len(e.items))
			return method.Outcome{Method: schemas.MethodDirectRequest, Items: e.items}, nil
		case <-ctx.Done():
			return method.Outcome{}, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

type fakeSessions struct {
	mu       sync.Mutex
	released []string
	closeAll bool
}

func (s *fakeSessions) ReleaseTask(_ context.Context, taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, taskID)
	return 1
}

func (s *fakeSessions) CloseAll(context.Context) {
	s.mu.Lock()
	s.closeAll = true
	s.mu.Unlock()
}

func (s *fakeSessions) releasedFor(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.released {
		if r == id {
			n++
		}
	}
	return n
}

type fakeIdentities struct {
	mu         sync.Mutex
	forgotten  []string
	snapshots  int
	restores   int
	restoreErr error
}

func (f *fakeIdentities) Forget(key string) {
	f.mu.Lock()
	f.forgotten = append(f.forgotten, key)
	f.mu.Unlock()
}

func (f *fakeIdentities) Stats() (int, int) { return 3, 1 }

func (f *fakeIdentities) Restore(context.Context, schemas.PoolStore) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores++
	return f.restoreErr
}

func (f *fakeIdentities) Snapshot(context.Context, schemas.PoolStore) error {
	f.mu.Lock()
	f.snapshots++
	f.mu.Unlock()
	return nil
}

type nopPoolStore struct{}

func (nopPoolStore) LoadIdentities(context.Context) ([]schemas.Identity, error) { return nil, nil }
func (nopPoolStore) SaveIdentities(context.Context, []schemas.Identity) error  { return nil }
func (nopPoolStore) LoadProxies(context.Context) ([]schemas.Proxy, error)       { return nil, nil }
func (nopPoolStore) SaveProxies(context.Context, []schemas.Proxy) error         { return nil }

type fixture struct {
	orch       *Orchestrator
	engine     *gatedEngine
	sessions   *fakeSessions
	identities *fakeIdentities
	sink       *store.Memory
	bus        *events.Bus
}

func newFixture(t *testing.T, cfg Config, overrides ...func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		engine:     newGatedEngine(),
		sessions:   &fakeSessions{},
		identities: &fakeIdentities{},
		sink:       store.NewMemory(),
	}
	logger := zaptest.NewLogger(t)
	f.bus = events.NewBus(logger, 16)
	deps := Deps{
		Engine:     f.engine,
		Sessions:   f.sessions,
		Identities: f.identities,
		Sink:       f.sink,
		Pools:      nopPoolStore{},
		Events:     f.bus,
		Metrics:    metrics.NewCollector("test", logger),
	}
	for _, override := range overrides {
		override(&deps)
	}
	orch, err := New(deps, cfg, logger)
	require.NoError(t, err)
	f.orch = orch
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return f
}

func (f *fixture) create(t *testing.T, name string) string {
	t.Helper()
	id, err := f.orch.CreateTask(schemas.TaskOptions{Name: name, URL: "https://shop.test/" + name})
	require.NoError(t, err)
	return id
}

func waitState(t *testing.T, o *Orchestrator, id string, want schemas.TaskState) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := o.GetTaskStatus(id)
		return st != nil && st.State == want
	}, 2*time.Second, 5*time.Millisecond, "task never reached %s", want)
}

// -- Test Cases --

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{}, Config{}, nil)
	assert.Error(t, err)
}

func TestCreateTask_Validation(t *testing.T) {
	f := newFixture(t, Config{})
	tests := []struct {
		name  string
		opts  schemas.TaskOptions
		field string
	}{
		{"missing name", schemas.TaskOptions{URL: "https://a.test"}, "name"},
		{"missing url", schemas.TaskOptions{Name: "t"}, "url"},
		{"relative url", schemas.TaskOptions{Name: "t", URL: "/list"}, "url"},
		{"unknown method", schemas.TaskOptions{Name: "t", URL: "https://a.test", Method: "telepathy"}, "method"},
		{"hybrid in fallback order", schemas.TaskOptions{Name: "t", URL: "https://a.test", FallbackOrder: []schemas.Method{schemas.MethodHybrid}}, "fallback_order[0]"},
		{"unnamed selector", schemas.TaskOptions{Name: "t", URL: "https://a.test", Selectors: []schemas.Selector{{Query: "h2"}}}, "selectors[0]"},
		{"duplicate selector", schemas.TaskOptions{Name: "t", URL: "https://a.test", Selectors: []schemas.Selector{{Name: "a", Query: "h2"}, {Name: "a", Query: "h3"}}}, "selectors[1]"},
		{"visual without description", schemas.TaskOptions{Name: "t", URL: "https://a.test", Selectors: []schemas.Selector{{Name: "a", Type: schemas.SelectorVisual}}}, "selectors[0]"},
		{"incomplete auth", schemas.TaskOptions{Name: "t", URL: "https://a.test", Auth: &schemas.AuthSpec{UsernameSelector: "#u"}}, "auth"},
		{"empty pagination", schemas.TaskOptions{Name: "t", URL: "https://a.test", Pagination: &schemas.PaginationSpec{}}, "pagination"},
		{"negative expected items", schemas.TaskOptions{Name: "t", URL: "https://a.test", ExpectedItems: -1}, "expected_items"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.CreateTask(tt.opts)
			require.ErrorIs(t, err, schemas.ErrValidation)
			var verr *schemas.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.Empty(t, f.orch.ListTasks())
}

func TestStartTask_ConcurrencyCap(t *testing.T) {
	const limit = 3
	f := newFixture(t, Config{MaxConcurrentTasks: limit})
	ids := make([]string, limit+1)
	for i := range ids {
		ids[i] = f.create(t, fmt.Sprintf("t%d", i))
	}

	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.orch.StartTask(id)
		}()
	}
	wg.Wait()

	rejected, started := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			started++
		case errors.Is(err, schemas.ErrConcurrencyLimitExceeded):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, limit, started)
	assert.Equal(t, 1, rejected)

	f.engine.open()
	for i, id := range ids {
		if errs[i] == nil {
			waitState(t, f.orch, id, schemas.TaskCompleted)
		}
	}
}

func TestStartTask_AlreadyRunningAndUnknown(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t, "a")
	require.NoError(t, f.orch.StartTask(id))
	assert.ErrorIs(t, f.orch.StartTask(id), schemas.ErrAlreadyRunning)
	assert.ErrorIs(t, f.orch.StartTask("nope"), schemas.ErrTaskNotFound)
	assert.ErrorIs(t, f.orch.PauseTask("nope"), schemas.ErrTaskNotFound)
	f.engine.open()
	waitState(t, f.orch, id, schemas.TaskCompleted)
}

func TestRun_CompletesAndSaves(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t, "books")
	f.engine.open()
	require.NoError(t, f.orch.StartTask(id))
	waitState(t, f.orch, id, schemas.TaskCompleted)

	st := f.orch.GetTaskStatus(id)
	assert.Equal(t, 100.0, st.Progress)
	assert.Equal(t, 2, st.ItemsProcessed)
	assert.Equal(t, schemas.MethodDirectRequest, st.Method)
	assert.False(t, st.EndedAt.IsZero())

	items, err := f.orch.GetTaskResults(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	saved, err := f.sink.Latest(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, saved, 2)
	assert.GreaterOrEqual(t, f.sessions.releasedFor(id), 1, "leftover sessions are released after every run")

	// A completed task can be started again and is reset.
	f.engine.gate = make(chan struct{})
	require.NoError(t, f.orch.StartTask(id))
	st = f.orch.GetTaskStatus(id)
	assert.Equal(t, schemas.TaskRunning, st.State)
	assert.Zero(t, st.ItemsProcessed)
	assert.Less(t, st.Progress, 100.0)
	f.engine.open()
	waitState(t, f.orch, id, schemas.TaskCompleted)
}

func TestRun_Failure(t *testing.T) {
	f := newFixture(t, Config{})
	f.engine.err = &schemas.AllMethodsExhaustedError{Attempts: []*schemas.AttemptError{
		{Method: schemas.MethodBrowserAutomation, Err: errors.New("blocked")},
	}}
	id := f.create(t, "a")
	f.engine.open()
	require.NoError(t, f.orch.StartTask(id))
	waitState(t, f.orch, id, schemas.TaskFailed)

	st := f.orch.GetTaskStatus(id)
	assert.Contains(t, st.LastError, "blocked")
	require.Len(t, st.Errors, 1)
	assert.Less(t, st.Progress, 100.0)

	items, err := f.orch.GetTaskResults(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRun_TaskTimeout(t *testing.T) {
	f := newFixture(t, Config{TaskTimeout: 30 * time.Millisecond})
	id := f.create(t, "slow")
	require.NoError(t, f.orch.StartTask(id))
	waitState(t, f.orch, id, schemas.TaskFailed)
	assert.Contains(t, f.orch.GetTaskStatus(id).LastError, "deadline exceeded")
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t, "a")
	require.NoError(t, f.orch.StartTask(id))

	require.NoError(t, f.orch.PauseTask(id))
	assert.Equal(t, schemas.TaskPaused, f.orch.GetTaskStatus(id).State)
	require.NoError(t, f.orch.PauseTask(id), "repeated pause is only a warning")

	f.engine.open()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, schemas.TaskPaused, f.orch.GetTaskStatus(id).State, "a paused run does not progress")

	require.NoError(t, f.orch.ResumeTask(id))
	waitState(t, f.orch, id, schemas.TaskCompleted)
	require.NoError(t, f.orch.ResumeTask(id), "resume on a terminal task is a no-op")
}

func TestStopTask(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrentTasks: 1})
	id := f.create(t, "a")
	require.NoError(t, f.orch.StartTask(id))
	require.NoError(t, f.orch.PauseTask(id))

	require.NoError(t, f.orch.StopTask(id))
	st := f.orch.GetTaskStatus(id)
	assert.Equal(t, schemas.TaskIdle, st.State)
	assert.Empty(t, st.LastError, "stop is not a failure")
	assert.GreaterOrEqual(t, f.sessions.releasedFor(id), 1, "sessions close at once")

	require.NoError(t, f.orch.StopTask(id), "stopping an idle task is a no-op")

	// The slot frees once the runner unwinds.
	other := f.create(t, "b")
	require.Eventually(t, func() bool { return f.orch.StartTask(other) == nil }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, schemas.TaskIdle, f.orch.GetTaskStatus(id).State, "a stale runner never overwrites a stopped task")
	f.engine.open()
	waitState(t, f.orch, other, schemas.TaskCompleted)
}

func TestRemoveTask(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t, "a")
	require.NoError(t, f.orch.StartTask(id))

	assert.True(t, f.orch.RemoveTask(id))
	assert.Nil(t, f.orch.GetTaskStatus(id))
	assert.False(t, f.orch.RemoveTask(id))
	assert.GreaterOrEqual(t, f.sessions.releasedFor(id), 1)

	f.identities.mu.Lock()
	assert.Equal(t, []string{id}, f.identities.forgotten)
	f.identities.mu.Unlock()
}

func TestGetTaskResults_FallsBackToSink(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.sink.Save(context.Background(), schemas.TaskResult{
		TaskID: "from-last-run", Items: []schemas.Item{{"k": "v"}}, CompletedAt: time.Now(),
	}))

	items, err := f.orch.GetTaskResults(context.Background(), "from-last-run")
	require.NoError(t, err)
	assert.Equal(t, []schemas.Item{{"k": "v"}}, items)

	items, err = f.orch.GetTaskResults(context.Background(), "never")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestListTasks_CreationOrder(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.create(t, "a")
	b := f.create(t, "b")
	list := f.orch.ListTasks()
	require.Len(t, list, 2)
	assert.Equal(t, a, list[0].ID)
	assert.Equal(t, b, list[1].ID)
	assert.Equal(t, "b", list[1].Name)
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.create(t, "a")
	require.NoError(t, f.orch.StartTask(id))
	require.NoError(t, f.orch.Restore(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(ctx))
	require.NoError(t, f.orch.Shutdown(ctx), "second shutdown is a no-op")

	f.sessions.mu.Lock()
	assert.True(t, f.sessions.closeAll)
	f.sessions.mu.Unlock()
	f.identities.mu.Lock()
	assert.Equal(t, 1, f.identities.snapshots)
	assert.Equal(t, 1, f.identities.restores)
	f.identities.mu.Unlock()

	_, err := f.orch.CreateTask(schemas.TaskOptions{Name: "late", URL: "https://a.test"})
	assert.ErrorIs(t, err, ErrShutdown)
	assert.ErrorIs(t, f.orch.StartTask(id), ErrShutdown)
}

func TestRun_SinkFailureKeepsResults(t *testing.T) {
	saved := make(chan struct{})
	sink := new(mocks.MockResultSink)
	sink.On("Save", mock.Anything, mock.MatchedBy(func(r schemas.TaskResult) bool {
		return r.TaskName == "books" && len(r.Items) == 2
	})).Return(errors.New("redis down")).Once().Run(func(mock.Arguments) { close(saved) })

	f := newFixture(t, Config{}, func(d *Deps) { d.Sink = sink })
	id := f.create(t, "books")
	f.engine.open()
	require.NoError(t, f.orch.StartTask(id))
	waitState(t, f.orch, id, schemas.TaskCompleted)

	items, err := f.orch.GetTaskResults(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, items, 2, "buffered results survive a failed save")
	select {
	case <-saved:
	case <-time.After(2 * time.Second):
		t.Fatal("results were never handed to the sink")
	}
	sink.AssertExpectations(t)
}

func TestShutdown_SnapshotsRealPool(t *testing.T) {
	logger := zaptest.NewLogger(t)
	pool := identity.NewPool(identity.NewGenerator(config.IdentityConfig{Seed: 7}, config.BehaviorConfig{}), logger)
	pools := new(mocks.MockPoolStore)
	pools.On("LoadIdentities", mock.Anything).Return([]schemas.Identity(nil), nil).Once()
	pools.On("SaveIdentities", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()

	f := newFixture(t, Config{}, func(d *Deps) {
		d.Identities = pool
		d.Pools = pools
	})
	require.NoError(t, f.orch.Restore(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := f.orch.Shutdown(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	pools.AssertExpectations(t)
}

func TestConfigFrom(t *testing.T) {
	cfg := new(mocks.MockConfig)
	cfg.On("Orchestrator").Return(config.OrchestratorConfig{
		MaxConcurrentTasks: 7,
		TaskTimeout:        time.Minute,
		ProgressHalfLife:   20 * time.Second,
		ShutdownTimeout:    3 * time.Second,
	})
	cfg.On("Sink").Return(config.SinkConfig{SaveTimeout: 4 * time.Second})

	assert.Equal(t, Config{
		MaxConcurrentTasks: 7,
		TaskTimeout:        time.Minute,
		ProgressHalfLife:   20 * time.Second,
		ShutdownTimeout:    3 * time.Second,
		SaveTimeout:        4 * time.Second,
	}, ConfigFrom(cfg))
	cfg.AssertExpectations(t)
}
