// internal/store/memory.go
package store

import (
	"context"
	"sync"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
)

// Memory keeps results in process. It is the default sink.
type Memory struct {
	mu      sync.RWMutex
	results map[string][]schemas.TaskResult
}

// NewMemory creates an empty in-process sink.
func NewMemory() *Memory {
	return &Memory{results: make(map[string][]schemas.TaskResult)}
}

func (m *Memory) Save(_ context.Context, result schemas.TaskResult) error {
	result.Items = append([]schemas.Item(nil), result.Items...)
	m.mu.Lock()
	m.results[result.TaskID] = append(m.results[result.TaskID], result)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Latest(_ context.Context, taskID string) ([]schemas.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.results[taskID]
	if len(history) == 0 {
		return []schemas.Item{}, nil
	}
	latest := history[0]
	for _, r := range history[1:] {
		if !r.CompletedAt.Before(latest.CompletedAt) {
			latest = r
		}
	}
	return append([]schemas.Item{}, latest.Items...), nil
}
