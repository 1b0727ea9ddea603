package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory user store for tests and demo mode.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*User
	byEmail map[string]string // email -> user id
}

// NewMemoryStore creates an empty in-memory user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.byEmail[user.Email]; taken {
		return ErrEmailTaken
	}
	u := *user
	m.byID[u.ID] = &u
	m.byEmail[u.Email] = u.ID
	return nil
}

func (m *MemoryStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := *m.byID[id]
	return &u, nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := *user
	return &u, nil
}

func (m *MemoryStore) Update(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.byID[user.ID]
	if !ok {
		return ErrUserNotFound
	}
	if existing.Email != user.Email {
		if _, taken := m.byEmail[user.Email]; taken {
			return ErrEmailTaken
		}
		delete(m.byEmail, existing.Email)
		m.byEmail[user.Email] = user.ID
	}
	u := *user
	m.byID[u.ID] = &u
	return nil
}

func (m *MemoryStore) Anonymize(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.byID[id]
	if !ok {
		return ErrUserNotFound
	}
	delete(m.byEmail, user.Email)
	user.Email = "deleted+" + id + "@anonymized.invalid"
	user.Name = ""
	user.PasswordHash = ""
	user.Active = false
	user.UpdatedAt = time.Now()
	return nil
}
