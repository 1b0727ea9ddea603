package tasks

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

// NewPostgresStore creates a PostgreSQL-backed task store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, task *Task) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tasks
			(id, client_id, worker_id, title, description, price, currency, status, funded, created_at, updated_at, completed_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6::NUMERIC(12,2), $7, $8, $9, $10, $11, $12)
	`, task.ID, task.ClientID, task.WorkerID, task.Title, task.Description,
		task.Price.String(), task.Price.Currency(), task.Status, task.Funded,
		task.CreatedAt, task.UpdatedAt, task.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

const taskQuery = `
	SELECT id, client_id, COALESCE(worker_id, ''), title, COALESCE(description, ''),
	       price, currency, status, funded, created_at, updated_at, completed_at
	FROM tasks`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Task, error) {
	return scanTask(p.db.QueryRowContext(ctx, taskQuery+` WHERE id = $1`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t        Task
		price    string
		currency string
	)
	err := row.Scan(&t.ID, &t.ClientID, &t.WorkerID, &t.Title, &t.Description,
		&price, &currency, &t.Status, &t.Funded, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.Price, err = money.Parse(price, currency); err != nil {
		return nil, fmt.Errorf("corrupt price in task %s: %w", t.ID, err)
	}
	return &t, nil
}

func (p *PostgresStore) Update(ctx context.Context, task *Task) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE tasks
		SET worker_id = NULLIF($2, ''), title = $3, description = $4, status = $5,
		    funded = $6, updated_at = $7, completed_at = $8
		WHERE id = $1
	`, task.ID, task.WorkerID, task.Title, task.Description, task.Status,
		task.Funded, task.UpdatedAt, task.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Task, error) {
	rows, err := p.db.QueryContext(ctx, taskQuery+`
		WHERE client_id = $1 OR worker_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}
