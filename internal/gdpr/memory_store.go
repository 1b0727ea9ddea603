package gdpr

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and demo mode.
type MemoryStore struct {
	mu          sync.RWMutex
	consents    []*CookieConsent
	acceptances []*TermsAcceptance
	audit       []*AuditEntry
}

// NewMemoryStore creates an empty in-memory gdpr store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) SaveConsent(ctx context.Context, consent *CookieConsent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *consent
	m.consents = append(m.consents, &c)
	return nil
}

func (m *MemoryStore) LatestConsent(ctx context.Context, userID string) (*CookieConsent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.consents) - 1; i >= 0; i-- {
		if m.consents[i].UserID == userID {
			c := *m.consents[i]
			return &c, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) SaveAcceptance(ctx context.Context, acceptance *TermsAcceptance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := *acceptance
	m.acceptances = append(m.acceptances, &a)
	return nil
}

func (m *MemoryStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := *entry
	m.audit = append(m.audit, &e)
	return nil
}

func (m *MemoryStore) ListAudit(ctx context.Context, userID string, limit int) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*AuditEntry
	for i := len(m.audit) - 1; i >= 0 && len(result) < limit; i-- {
		if m.audit[i].UserID == userID {
			e := *m.audit[i]
			result = append(result, &e)
		}
	}
	return result, nil
}
