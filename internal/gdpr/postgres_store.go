package gdpr

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed gdpr store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) SaveConsent(ctx context.Context, consent *CookieConsent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cookie_consents (id, user_id, essential, analytics, marketing, ip_address, user_agent, consented_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, consent.ID, consent.UserID, consent.Essential, consent.Analytics, consent.Marketing,
		consent.IPAddress, consent.UserAgent, consent.ConsentedAt)
	if err != nil {
		return fmt.Errorf("failed to save cookie consent: %w", err)
	}
	return nil
}

func (p *PostgresStore) LatestConsent(ctx context.Context, userID string) (*CookieConsent, error) {
	var c CookieConsent
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, essential, analytics, marketing,
		       COALESCE(ip_address, ''), COALESCE(user_agent, ''), consented_at
		FROM cookie_consents
		WHERE user_id = $1
		ORDER BY consented_at DESC
		LIMIT 1
	`, userID).Scan(&c.ID, &c.UserID, &c.Essential, &c.Analytics, &c.Marketing,
		&c.IPAddress, &c.UserAgent, &c.ConsentedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *PostgresStore) SaveAcceptance(ctx context.Context, acceptance *TermsAcceptance) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO terms_acceptances (id, user_id, document_slug, version, ip_address, accepted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, acceptance.ID, acceptance.UserID, acceptance.DocumentSlug, acceptance.Version,
		acceptance.IPAddress, acceptance.AcceptedAt)
	if err != nil {
		return fmt.Errorf("failed to save terms acceptance: %w", err)
	}
	return nil
}

func (p *PostgresStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode audit metadata: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, user_id, action, entity_type, entity_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.UserID, entry.Action, entry.EntityType, entry.EntityID, metadata, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListAudit(ctx context.Context, userID string, limit int) ([]*AuditEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, action, entity_type, COALESCE(entity_id, ''), metadata, created_at
		FROM audit_logs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.EntityType, &e.EntityID, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
