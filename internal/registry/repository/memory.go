package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

// Memory is an in-memory Repository for tests and ephemeral runs.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]*v1.Task
}

var _ Repository = (*Memory)(nil)

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]*v1.Task)}
}

// Save upserts a copy of the task.
func (m *Memory) Save(ctx context.Context, task *v1.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task.Clone()
	return nil
}

// Get returns a copy of the task or ErrNotFound.
func (m *Memory) Get(ctx context.Context, id string) (*v1.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// List returns matching tasks ordered by creation time (oldest first).
func (m *Memory) List(ctx context.Context, f Filter) ([]*v1.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*v1.Task
	for _, t := range m.tasks {
		if f.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// DeleteTerminalBefore removes terminal tasks last updated before cutoff.
func (m *Memory) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, t := range m.tasks {
		if t.State.Terminal() && t.LastUpdateAt.Before(cutoff) {
			delete(m.tasks, id)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory backend.
func (m *Memory) Close() error { return nil }
