package tasks

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory task store for tests and demo mode.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Task
	ordered []string
}

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Task)}
}

func (m *MemoryStore) Create(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := *task
	m.byID[t.ID] = &t
	m.ordered = append(m.ordered, t.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	t := *task
	return &t, nil
}

func (m *MemoryStore) Update(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[task.ID]; !ok {
		return ErrNotFound
	}
	t := *task
	m.byID[t.ID] = &t
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Task
	for i := len(m.ordered) - 1; i >= 0 && len(result) < limit; i-- {
		task := m.byID[m.ordered[i]]
		if task.ClientID == userID || task.WorkerID == userID {
			t := *task
			result = append(result, &t)
		}
	}
	return result, nil
}
