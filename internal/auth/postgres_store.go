package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed user store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, user *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, password_hash, active, terms_accepted_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, user.ID, user.Email, user.Name, user.PasswordHash, user.Active,
		user.TermsAcceptedAt, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrEmailTaken
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

const userQuery = `
	SELECT id, email, COALESCE(name, ''), COALESCE(password_hash, ''), active,
	       terms_accepted_at, created_at, updated_at
	FROM users`

func (p *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, userQuery+` WHERE email = $1`, email))
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, userQuery+` WHERE id = $1`, id))
}

func (p *PostgresStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Active,
		&u.TermsAcceptedAt, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *PostgresStore) Update(ctx context.Context, user *User) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE users
		SET email = $2, name = $3, password_hash = $4, active = $5,
		    terms_accepted_at = $6, updated_at = NOW()
		WHERE id = $1
	`, user.ID, user.Email, user.Name, user.PasswordHash, user.Active, user.TermsAcceptedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrEmailTaken
		}
		return fmt.Errorf("failed to update user: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (p *PostgresStore) Anonymize(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE users
		SET email = 'deleted+' || id || '@anonymized.invalid',
		    name = '', password_hash = '', active = FALSE, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to anonymize user: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrUserNotFound
	}
	return nil
}
