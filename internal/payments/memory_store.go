package payments

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and demo mode.
type MemoryStore struct {
	mu        sync.RWMutex
	refs      map[string]*Ref // by ref id
	byGateway map[string]string
	byTxn     map[string]string
	profiles  map[string]*Profile
}

// NewMemoryStore creates an empty in-memory payments store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		refs:      make(map[string]*Ref),
		byGateway: make(map[string]string),
		byTxn:     make(map[string]string),
		profiles:  make(map[string]*Profile),
	}
}

func (m *MemoryStore) CreateRef(ctx context.Context, ref *Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *ref
	m.refs[r.ID] = &r
	m.byGateway[r.GatewayID] = r.ID
	m.byTxn[r.TransactionID] = r.ID
	return nil
}

func (m *MemoryStore) GetRefByGatewayID(ctx context.Context, gatewayID string) (*Ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byGateway[gatewayID]
	if !ok {
		return nil, ErrRefNotFound
	}
	r := *m.refs[id]
	return &r, nil
}

func (m *MemoryStore) GetRefByTransaction(ctx context.Context, transactionID string) (*Ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byTxn[transactionID]
	if !ok {
		return nil, ErrRefNotFound
	}
	r := *m.refs[id]
	return &r, nil
}

func (m *MemoryStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	copied := *p
	return &copied, nil
}

func (m *MemoryStore) GetProfileByAccount(ctx context.Context, accountID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.profiles {
		if p.ConnectAccountID == accountID {
			copied := *p
			return &copied, nil
		}
	}
	return nil, ErrProfileNotFound
}

func (m *MemoryStore) UpsertProfile(ctx context.Context, profile *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := *profile
	p.UpdatedAt = time.Now()
	m.profiles[p.UserID] = &p
	return nil
}
