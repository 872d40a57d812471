// internal/task/task.go
package task

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
)

// maxRunningProgress is the ceiling for progress before a task completes.
const maxRunningProgress = 99.9

// Task owns one task's lifecycle. Only the methods here mutate its status.
type Task struct {
	ID      string
	Options schemas.TaskOptions

	halfLife time.Duration
	now      func() time.Time

	mu         sync.Mutex
	state      schemas.TaskState
	generation uint64
	stopped    bool
	paused     bool
	resume     chan struct{}
	cancel     context.CancelFunc

	startedAt time.Time
	endedAt   time.Time
	processed int
	progress  float64
	method    schemas.Method
	lastError string
	errors    []schemas.ErrorEntry
	results   []schemas.Item
}

// Option configures a Task.
type Option func(*Task)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Task) { t.now = now }
}

// WithHalfLife sets the time constant of the progress estimate used when
// the item total is unknown. After one half-life progress is at half its cap.
func WithHalfLife(d time.Duration) Option {
	return func(t *Task) {
		if d > 0 {
			t.halfLife = d
		}
	}
}

// New creates an idle task.
func New(id string, opts schemas.TaskOptions, options ...Option) *Task {
	t := &Task{
		ID:       id,
		Options:  opts,
		halfLife: 30 * time.Second,
		now:      time.Now,
		state:    schemas.TaskIdle,
	}
	for _, o := range options {
		o(t)
	}
	return t
}

// State returns the current lifecycle state.
func (t *Task) State() schemas.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Begin moves the task to running and starts a new run. Restarting a
// finished task resets its timestamps, flags, error log and counters.
// cancel is called when the task is stopped.
func (t *Task) Begin(cancel context.CancelFunc) (*Run, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.IsActive() {
		return nil, schemas.ErrAlreadyRunning
	}
	t.generation++
	t.state = schemas.TaskRunning
	t.stopped = false
	t.paused = false
	t.resume = nil
	t.cancel = cancel
	t.startedAt = t.now()
	t.endedAt = time.Time{}
	t.processed = 0
	t.progress = 0
	t.method = ""
	t.lastError = ""
	t.errors = nil
	t.results = nil
	return &Run{task: t, generation: t.generation}, nil
}

// Pause sets the cooperative pause flag. It reports false when the task
// was not running.
func (t *Task) Pause() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != schemas.TaskRunning {
		return false
	}
	t.state = schemas.TaskPaused
	t.paused = true
	t.resume = make(chan struct{})
	return true
}

// Resume wakes a paused task. It reports false when the task was not paused.
func (t *Task) Resume() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != schemas.TaskPaused {
		return false
	}
	t.state = schemas.TaskRunning
	t.wake()
	return true
}

// Stop returns an active task to idle, wakes paused waiters and cancels
// the run. It reports false, changing nothing, when the task was not active.
func (t *Task) Stop() bool {
	t.mu.Lock()
	if !t.state.IsActive() {
		t.mu.Unlock()
		return false
	}
	t.progress = t.progressLocked()
	t.state = schemas.TaskIdle
	t.stopped = true
	t.endedAt = t.now()
	t.wake()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

func (t *Task) wake() {
	t.paused = false
	if t.resume != nil {
		close(t.resume)
		t.resume = nil
	}
}

// Status returns a copy of the status record.
func (t *Task) Status() schemas.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.IsActive() {
		t.progress = t.progressLocked()
	}
	st := schemas.TaskStatus{
		ID:             t.ID,
		Name:           t.Options.Name,
		State:          t.state,
		Progress:       t.progress,
		StartedAt:      t.startedAt,
		EndedAt:        t.endedAt,
		LastError:      t.lastError,
		ItemsProcessed: t.processed,
		ItemsTotal:     t.Options.ExpectedItems,
		Method:         t.method,
	}
	if len(t.errors) > 0 {
		st.Errors = append([]schemas.ErrorEntry(nil), t.errors...)
	}
	return st
}

// Results returns a copy of the buffered items.
func (t *Task) Results() []schemas.Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.results == nil {
		return nil
	}
	return append([]schemas.Item(nil), t.results...)
}

// progressLocked computes the running estimate. It never decreases and
// stays below 100.
func (t *Task) progressLocked() float64 {
	var p float64
	if total := t.Options.ExpectedItems; total > 0 {
		p = 100 * float64(t.processed) / float64(total)
	} else if !t.startedAt.IsZero() {
		elapsed := t.now().Sub(t.startedAt)
		if elapsed > 0 {
			p = maxRunningProgress * (1 - math.Exp2(-float64(elapsed)/float64(t.halfLife)))
		}
	}
	p = math.Min(p, maxRunningProgress)
	return math.Max(p, t.progress)
}
