package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// MemoryEventStore is an in-memory EventStore for tests and demo mode.
type MemoryEventStore struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{seen: make(map[string]bool)}
}

func (m *MemoryEventStore) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[eventID] {
		return true, nil
	}
	m.seen[eventID] = true
	return false, nil
}

func (m *MemoryEventStore) Unmark(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, eventID)
	return nil
}

// PostgresEventStore implements EventStore on PostgreSQL. The primary key
// on event_id makes the insert-or-skip atomic across instances.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a PostgreSQL-backed event store.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (p *PostgresEventStore) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, event_type, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to record processed event: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 0, nil
}

func (p *PostgresEventStore) Unmark(ctx context.Context, eventID string) error {
	if _, err := p.db.ExecContext(ctx, `
		DELETE FROM processed_events WHERE event_id = $1
	`, eventID); err != nil {
		return fmt.Errorf("failed to release processed event: %w", err)
	}
	return nil
}
