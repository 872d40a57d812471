// internal/task/run.go
package task

import (
	"context"
	"time"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
)

// Run is the handle one runner goroutine holds for one start of a task.
// Once the task is stopped or restarted the handle goes stale and every
// mutation through it is dropped.
type Run struct {
	task       *Task
	generation uint64
}

// Generation identifies the run.
func (r *Run) Generation() uint64 { return r.generation }

// current must be called with the task lock held.
func (r *Run) current() bool {
	return r.task.generation == r.generation && !r.task.stopped
}

// Checkpoint blocks while the task is paused. It returns
// schemas.ErrCancelled once the run is stopped or superseded, and the
// context error when ctx ends first.
func (r *Run) Checkpoint(ctx context.Context) error {
	t := r.task
	for {
		t.mu.Lock()
		if !r.current() {
			t.mu.Unlock()
			return schemas.ErrCancelled
		}
		if !t.paused {
			t.mu.Unlock()
			return ctx.Err()
		}
		wait := t.resume
		t.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stopped reports whether the run was stopped or superseded.
func (r *Run) Stopped() bool {
	r.task.mu.Lock()
	defer r.task.mu.Unlock()
	return !r.current()
}

// AddProcessed counts extracted items.
func (r *Run) AddProcessed(n int) {
	t := r.task
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.current() && n > 0 {
		t.processed += n
		t.progress = t.progressLocked()
	}
}

// DiscardProcessed uncounts items whose attempt was thrown away. Progress
// keeps its high-water mark.
func (r *Run) DiscardProcessed(n int) {
	t := r.task
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.current() && n > 0 {
		t.processed = max(t.processed-n, 0)
	}
}

// RecordError appends to the task's error log.
func (r *Run) RecordError(m schemas.Method, err error) {
	if err == nil {
		return
	}
	t := r.task
	t.mu.Lock()
	defer t.mu.Unlock()
	if !r.current() {
		return
	}
	t.errors = append(t.errors, schemas.ErrorEntry{Method: m, Message: err.Error(), At: t.now()})
	t.lastError = err.Error()
}

// SetMethod records the method currently executing.
func (r *Run) SetMethod(m schemas.Method) {
	t := r.task
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.current() {
		t.method = m
	}
}

// Complete moves the task to completed with progress 100 and buffers the
// items. It returns the result to hand to the sink, or false when the run
// is stale.
func (r *Run) Complete(m schemas.Method, items []schemas.Item) (schemas.TaskResult, bool) {
	t := r.task
	t.mu.Lock()
	defer t.mu.Unlock()
	if !r.current() || !t.state.IsActive() {
		return schemas.TaskResult{}, false
	}
	t.state = schemas.TaskCompleted
	t.endedAt = t.now()
	t.progress = 100
	t.method = m
	t.wake()
	t.results = items
	t.processed = len(items)
	t.cancel = nil
	return schemas.TaskResult{
		TaskID:      t.ID,
		TaskName:    t.Options.Name,
		Method:      m,
		Items:       append([]schemas.Item(nil), items...),
		CompletedAt: t.endedAt,
	}, true
}

// Fail moves the task to failed. It reports false when the run is stale.
func (r *Run) Fail(err error) bool {
	t := r.task
	t.mu.Lock()
	defer t.mu.Unlock()
	if !r.current() || !t.state.IsActive() {
		return false
	}
	t.progress = t.progressLocked()
	t.state = schemas.TaskFailed
	t.endedAt = t.now()
	t.wake()
	if err != nil {
		t.lastError = err.Error()
	}
	t.cancel = nil
	return true
}

// Elapsed is the time since the run started.
func (r *Run) Elapsed() time.Duration {
	t := r.task
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now().Sub(t.startedAt)
}
