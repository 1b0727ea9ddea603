package wallet

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/taskup/backend/internal/idgen"
	"github.com/taskup/backend/internal/money"
	"github.com/taskup/backend/internal/pagination"
)

// Postgres error codes we translate into ledger errors.
const (
	pgCheckViolation  = "23514"
	pgUniqueViolation = "23505"
	pgFKViolation     = "23503"
)

// PostgresStore implements Store on PostgreSQL.
//
// Atomicity: every Apply/Finalize runs in one serializable transaction
// covering the wallet_transactions insert/update and the wallet_accounts
// update. The non-negative balance CHECK and the partial unique index on
// (task_id, type) enforce the ledger invariants at the database level, so
// concurrent requests cannot race past an application-level check.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed wallet store.
// Schema is managed by the goose migrations under migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetOrCreate(ctx context.Context, userID, currency string) (*Account, error) {
	// Idempotent create keyed by user id.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet_accounts (id, user_id, currency, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, idgen.WithPrefix("wal_"), userID, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return p.GetByUser(ctx, userID)
}

func (p *PostgresStore) GetByUser(ctx context.Context, userID string) (*Account, error) {
	return p.scanAccount(p.db.QueryRowContext(ctx, accountQuery+` WHERE user_id = $1`, userID))
}

func (p *PostgresStore) Get(ctx context.Context, walletID string) (*Account, error) {
	return p.scanAccount(p.db.QueryRowContext(ctx, accountQuery+` WHERE id = $1`, walletID))
}

const accountQuery = `
	SELECT id, user_id, currency, balance, total_deposited, total_withdrawn,
	       total_earned, total_spent, total_cashback, created_at, updated_at
	FROM wallet_accounts`

func (p *PostgresStore) scanAccount(row *sql.Row) (*Account, error) {
	var (
		acc      Account
		currency string
		balance, deposited, withdrawn, earned, spent, cashback string
	)
	err := row.Scan(&acc.ID, &acc.UserID, &currency, &balance, &deposited, &withdrawn,
		&earned, &spent, &cashback, &acc.CreatedAt, &acc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}

	for _, field := range []struct {
		dst *money.Money
		src string
	}{
		{&acc.Balance, balance},
		{&acc.TotalDeposited, deposited},
		{&acc.TotalWithdrawn, withdrawn},
		{&acc.TotalEarned, earned},
		{&acc.TotalSpent, spent},
		{&acc.TotalCashback, cashback},
	} {
		m, err := money.Parse(field.src, currency)
		if err != nil {
			return nil, fmt.Errorf("corrupt amount in wallet %s: %w", acc.ID, err)
		}
		*field.dst = m
	}
	return &acc, nil
}

func (p *PostgresStore) Apply(ctx context.Context, apply Apply) (*Transaction, error) {
	dbtx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer dbtx.Rollback()

	tx := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		WalletID:    apply.WalletID,
		TaskID:      apply.TaskID,
		Type:        apply.Type,
		Direction:   apply.Direction,
		Amount:      apply.Amount,
		Status:      apply.Status,
		Description: apply.Description,
		Metadata:    apply.Metadata,
	}

	var metadata []byte
	if len(apply.Metadata) > 0 {
		if metadata, err = json.Marshal(apply.Metadata); err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
	}

	// Insert first: the partial unique index on (task_id, type) rejects a
	// second live hold/release/refund for the same task before any balance
	// change happens. The returned timestamp is the stored one; cursor
	// pagination orders by it, so the Go clock must not leak out here.
	err = dbtx.QueryRowContext(ctx, `
		INSERT INTO wallet_transactions
			(id, wallet_id, task_id, type, direction, amount, currency, status, description, metadata, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6::NUMERIC(12,2), $7, $8, $9, $10, NOW())
		RETURNING created_at
	`, tx.ID, tx.WalletID, tx.TaskID, tx.Type, tx.Direction, tx.Amount.String(),
		tx.Amount.Currency(), tx.Status, tx.Description, nullBytes(metadata)).Scan(&tx.CreatedAt)
	if err != nil {
		return nil, translatePGError(err, "failed to record transaction")
	}

	if err := p.updateBalance(ctx, dbtx, tx, applyDelta(apply)); err != nil {
		return nil, err
	}

	if err := dbtx.Commit(); err != nil {
		return nil, translatePGError(err, "failed to commit transaction")
	}
	return tx, nil
}

func (p *PostgresStore) Finalize(ctx context.Context, txID string, status TxStatus) (*Transaction, error) {
	dbtx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer dbtx.Rollback()

	tx, err := scanTransaction(dbtx.QueryRowContext(ctx, txQuery+` WHERE id = $1 FOR UPDATE`, txID))
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusPending {
		return nil, ErrAlreadyFinalized
	}

	res, err := dbtx.ExecContext(ctx, `
		UPDATE wallet_transactions SET status = $2 WHERE id = $1 AND status = 'pending'
	`, txID, status)
	if err != nil {
		return nil, translatePGError(err, "failed to finalize transaction")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, ErrAlreadyFinalized
	}
	tx.Status = status

	if err := p.updateBalance(ctx, dbtx, tx, finalizeDelta(tx, status)); err != nil {
		return nil, err
	}

	if err := dbtx.Commit(); err != nil {
		return nil, translatePGError(err, "failed to commit finalization")
	}
	return tx, nil
}

// balanceDelta describes how a transaction touches the account row.
type balanceDelta struct {
	balance   int // -1 subtract, 0 untouched, +1 add
	aggregate bool
}

// applyDelta: debits reserve immediately (pending included); credits land
// only once completed.
func applyDelta(apply Apply) balanceDelta {
	d := balanceDelta{aggregate: apply.Status == StatusCompleted}
	if apply.Direction == DirDebit {
		d.balance = -1
	} else if apply.Status == StatusCompleted {
		d.balance = +1
	}
	return d
}

// finalizeDelta settles a pending transaction: completed credits land,
// failed/cancelled debits return their reservation.
func finalizeDelta(tx *Transaction, status TxStatus) balanceDelta {
	switch {
	case status == StatusCompleted && tx.Direction == DirCredit:
		return balanceDelta{balance: +1, aggregate: true}
	case status == StatusCompleted && tx.Direction == DirDebit:
		return balanceDelta{aggregate: true}
	case status != StatusCompleted && tx.Direction == DirDebit:
		return balanceDelta{balance: +1}
	}
	return balanceDelta{}
}

func (p *PostgresStore) updateBalance(ctx context.Context, dbtx *sql.Tx, tx *Transaction, delta balanceDelta) error {
	amount := tx.Amount.String()

	balanceExpr := "balance"
	switch delta.balance {
	case -1:
		balanceExpr = "balance - $2::NUMERIC(12,2)"
	case +1:
		balanceExpr = "balance + $2::NUMERIC(12,2)"
	}

	aggregateExpr := ""
	if delta.aggregate {
		switch tx.Type {
		case TypeDeposit:
			aggregateExpr = ", total_deposited = total_deposited + $2::NUMERIC(12,2)"
		case TypePayout:
			aggregateExpr = ", total_withdrawn = total_withdrawn + $2::NUMERIC(12,2)"
		case TypeRelease:
			aggregateExpr = ", total_earned = total_earned + $2::NUMERIC(12,2)"
		case TypeHold:
			aggregateExpr = ", total_spent = total_spent + $2::NUMERIC(12,2)"
		case TypeRefund:
			aggregateExpr = ", total_spent = GREATEST(total_spent - $2::NUMERIC(12,2), 0)"
		case TypeCashback:
			aggregateExpr = ", total_cashback = total_cashback + $2::NUMERIC(12,2)"
		}
	}

	// The CHECK constraint (balance >= 0) turns an overdraft into a
	// serialization-safe failure instead of a lost update.
	query := fmt.Sprintf(`
		UPDATE wallet_accounts SET balance = %s%s, updated_at = NOW()
		WHERE id = $1
	`, balanceExpr, aggregateExpr)

	res, err := dbtx.ExecContext(ctx, query, tx.WalletID, amount)
	if err != nil {
		return translatePGError(err, "failed to update balance")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

const txQuery = `
	SELECT id, wallet_id, COALESCE(task_id, ''), type, direction, amount, currency,
	       status, COALESCE(description, ''), metadata, created_at
	FROM wallet_transactions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		tx       Transaction
		amount   string
		currency string
		metadata []byte
	)
	err := row.Scan(&tx.ID, &tx.WalletID, &tx.TaskID, &tx.Type, &tx.Direction,
		&amount, &currency, &tx.Status, &tx.Description, &metadata, &tx.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}

	if tx.Amount, err = money.Parse(amount, currency); err != nil {
		return nil, fmt.Errorf("corrupt amount in transaction %s: %w", tx.ID, err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata in transaction %s: %w", tx.ID, err)
		}
	}
	return &tx, nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	return scanTransaction(p.db.QueryRowContext(ctx, txQuery+` WHERE id = $1`, txID))
}

func (p *PostgresStore) ListByTask(ctx context.Context, taskID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, txQuery+` WHERE task_id = $1 ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (p *PostgresStore) ListTransactions(ctx context.Context, walletID string, limit, offset int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, txQuery+`
		WHERE wallet_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, walletID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (p *PostgresStore) ListTransactionsBefore(ctx context.Context, walletID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	query := txQuery + ` WHERE wallet_id = $1`
	args := []any{walletID}
	if before != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func collectTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var txns []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, tx)
	}
	return txns, rows.Err()
}

// translatePGError maps database constraint violations onto ledger errors.
func translatePGError(err error, msg string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pgCheckViolation:
			return ErrInsufficientFunds
		case pgUniqueViolation:
			return ErrDuplicateTransaction
		case pgFKViolation:
			return ErrWalletNotFound
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
