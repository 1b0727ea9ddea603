package payments

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/taskup/backend/internal/money"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed payments store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateRef(ctx context.Context, ref *Ref) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_refs (id, user_id, kind, transaction_id, gateway_id, amount, currency, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(12,2), $7, $8)
	`, ref.ID, ref.UserID, ref.Kind, ref.TransactionID, ref.GatewayID,
		ref.Amount.String(), ref.Amount.Currency(), ref.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payment ref: %w", err)
	}
	return nil
}

const refQuery = `
	SELECT id, user_id, kind, transaction_id, gateway_id, amount, currency, created_at
	FROM payment_refs`

func (p *PostgresStore) GetRefByGatewayID(ctx context.Context, gatewayID string) (*Ref, error) {
	return p.scanRef(p.db.QueryRowContext(ctx, refQuery+` WHERE gateway_id = $1`, gatewayID))
}

func (p *PostgresStore) GetRefByTransaction(ctx context.Context, transactionID string) (*Ref, error) {
	return p.scanRef(p.db.QueryRowContext(ctx, refQuery+` WHERE transaction_id = $1`, transactionID))
}

func (p *PostgresStore) scanRef(row *sql.Row) (*Ref, error) {
	var (
		r        Ref
		amount   string
		currency string
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Kind, &r.TransactionID, &r.GatewayID,
		&amount, &currency, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRefNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.Amount, err = money.Parse(amount, currency); err != nil {
		return nil, fmt.Errorf("corrupt amount in payment ref %s: %w", r.ID, err)
	}
	return &r, nil
}

func (p *PostgresStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var prof Profile
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, COALESCE(connect_account_id, ''), payouts_enabled, updated_at
		FROM payment_profiles WHERE user_id = $1
	`, userID).Scan(&prof.UserID, &prof.ConnectAccountID, &prof.PayoutsEnabled, &prof.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &prof, nil
}

func (p *PostgresStore) GetProfileByAccount(ctx context.Context, accountID string) (*Profile, error) {
	var prof Profile
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, COALESCE(connect_account_id, ''), payouts_enabled, updated_at
		FROM payment_profiles WHERE connect_account_id = $1
	`, accountID).Scan(&prof.UserID, &prof.ConnectAccountID, &prof.PayoutsEnabled, &prof.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &prof, nil
}

func (p *PostgresStore) UpsertProfile(ctx context.Context, profile *Profile) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_profiles (user_id, connect_account_id, payouts_enabled, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET connect_account_id = EXCLUDED.connect_account_id,
		    payouts_enabled = EXCLUDED.payouts_enabled,
		    updated_at = NOW()
	`, profile.UserID, profile.ConnectAccountID, profile.PayoutsEnabled)
	if err != nil {
		return fmt.Errorf("failed to upsert payment profile: %w", err)
	}
	return nil
}
