// Package wallet is the escrow wallet ledger.
//
// Flow:
//  1. Client deposits via the payment gateway -> pending deposit, credited on webhook
//  2. Client funds a task -> hold debits price + service fee
//  3. Task completes -> release credits the worker, cashback credits the client
//  4. Task cancelled -> refund credits the client (fee retained)
//
// Every balance change is one row in the transaction log plus one atomic
// update of the wallet account. Committed transactions are never edited;
// mistakes are corrected with compensating transactions.
package wallet

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/taskup/backend/internal/money"
	"github.com/taskup/backend/internal/pagination"
)

var (
	ErrWalletNotFound       = errors.New("wallet: not found")
	ErrInsufficientFunds    = errors.New("wallet: insufficient funds")
	ErrInvalidAmount        = errors.New("wallet: invalid amount")
	ErrDuplicateTransaction = errors.New("wallet: duplicate transaction for task and type")
	ErrTransactionNotFound  = errors.New("wallet: transaction not found")
	ErrAlreadyFinalized     = errors.New("wallet: transaction already finalized")
	ErrInvalidCursor        = errors.New("wallet: invalid pagination cursor")
)

// TxType classifies a ledger transaction.
type TxType string

const (
	TypeDeposit    TxType = "deposit"
	TypeHold       TxType = "hold"
	TypeRelease    TxType = "release"
	TypeRefund     TxType = "refund"
	TypeCashback   TxType = "cashback"
	TypePayout     TxType = "payout"
	TypeAdjustment TxType = "adjustment"
)

// Direction is the sign of a transaction from the wallet's point of view.
type Direction string

const (
	DirCredit Direction = "credit"
	DirDebit  Direction = "debit"
)

// TxStatus is the lifecycle state of a transaction.
// pending transactions awaiting gateway confirmation hold their reservation
// (debits) or withhold their credit until finalized.
type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusCompleted TxStatus = "completed"
	StatusFailed    TxStatus = "failed"
	StatusCancelled TxStatus = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal transactions
// are immutable.
func (s TxStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Account is a user's wallet. Balance always equals the sum of committed
// transaction deltas; the stores enforce it can never go negative.
type Account struct {
	ID             string      `json:"id"`
	UserID         string      `json:"userId"`
	Balance        money.Money `json:"balance"`
	TotalDeposited money.Money `json:"totalDeposited"`
	TotalWithdrawn money.Money `json:"totalWithdrawn"`
	TotalEarned    money.Money `json:"totalEarned"`
	TotalSpent     money.Money `json:"totalSpent"`
	TotalCashback  money.Money `json:"totalCashback"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Transaction is one row of the append-only transaction log.
type Transaction struct {
	ID          string            `json:"id"`
	WalletID    string            `json:"walletId"`
	TaskID      string            `json:"taskId,omitempty"`
	Type        TxType            `json:"type"`
	Direction   Direction         `json:"direction"`
	Amount      money.Money       `json:"amount"`
	Status      TxStatus          `json:"status"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Apply describes one ledger application.
type Apply struct {
	WalletID    string
	TaskID      string // optional; holds/releases/refunds carry the task
	Type        TxType
	Direction   Direction
	Amount      money.Money
	Status      TxStatus // StatusPending or StatusCompleted
	Description string
	Metadata    map[string]string
}

// Store persists wallet accounts and the transaction log.
//
// Apply and Finalize are atomic: the transaction row and the account
// update commit together or not at all. Implementations must serialize
// concurrent applications against the same wallet and enforce at most
// one live (pending or completed) transaction per (task, type).
type Store interface {
	GetOrCreate(ctx context.Context, userID, currency string) (*Account, error)
	GetByUser(ctx context.Context, userID string) (*Account, error)
	Get(ctx context.Context, walletID string) (*Account, error)
	Apply(ctx context.Context, apply Apply) (*Transaction, error)
	Finalize(ctx context.Context, txID string, status TxStatus) (*Transaction, error)
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	ListByTask(ctx context.Context, taskID string) ([]*Transaction, error)
	ListTransactions(ctx context.Context, walletID string, limit, offset int) ([]*Transaction, error)
	// ListTransactionsBefore returns up to limit transactions newest
	// first, strictly older than the cursor position.
	ListTransactionsBefore(ctx context.Context, walletID string, before *pagination.Cursor, limit int) ([]*Transaction, error)
}

// Ledger applies balance-affecting state transitions against a Store.
// It is the only component allowed to mutate wallet balances.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a ledger over the given store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// GetOrCreate returns the user's wallet, creating it on first access.
// Creation is idempotent per user id.
func (l *Ledger) GetOrCreate(ctx context.Context, userID, currency string) (*Account, error) {
	return l.store.GetOrCreate(ctx, userID, currency)
}

// Get returns a wallet by id.
func (l *Ledger) Get(ctx context.Context, walletID string) (*Account, error) {
	return l.store.Get(ctx, walletID)
}

// ApplyTransaction validates and applies one transition.
//
// Preconditions: amount > 0; for debits the resulting balance must stay
// non-negative (ErrInsufficientFunds otherwise). A second live transaction
// for the same (task, type) fails with ErrDuplicateTransaction.
func (l *Ledger) ApplyTransaction(ctx context.Context, apply Apply) (*Transaction, error) {
	if !apply.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if apply.Status == "" {
		apply.Status = StatusCompleted
	}
	if apply.Status != StatusPending && apply.Status != StatusCompleted {
		return nil, errors.New("wallet: apply status must be pending or completed")
	}

	start := time.Now()
	tx, err := l.store.Apply(ctx, apply)
	observeApply(string(apply.Type), time.Since(start), err)
	if err != nil {
		return nil, err
	}

	l.logger.Info("ledger transaction applied",
		"transaction_id", tx.ID,
		"wallet_id", tx.WalletID,
		"type", tx.Type,
		"direction", tx.Direction,
		"amount", tx.Amount.String(),
		"status", tx.Status,
	)
	return tx, nil
}

// Finalize moves a pending transaction to a terminal status and settles
// its balance effect: a pending credit is applied on completion; a pending
// debit's reservation is returned on failure or cancellation.
//
// Finalizing an already-terminal transaction fails with ErrAlreadyFinalized;
// callers reconciling webhook replays treat that as "nothing to do".
func (l *Ledger) Finalize(ctx context.Context, txID string, status TxStatus) (*Transaction, error) {
	if !status.IsTerminal() {
		return nil, errors.New("wallet: finalize status must be terminal")
	}
	tx, err := l.store.Finalize(ctx, txID, status)
	if err != nil {
		return nil, err
	}
	l.logger.Info("ledger transaction finalized",
		"transaction_id", tx.ID,
		"wallet_id", tx.WalletID,
		"type", tx.Type,
		"status", tx.Status,
	)
	return tx, nil
}

// GetTransaction returns a single transaction by id.
func (l *Ledger) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	return l.store.GetTransaction(ctx, txID)
}

// ListByTask returns all transactions referencing a task.
func (l *Ledger) ListByTask(ctx context.Context, taskID string) ([]*Transaction, error) {
	return l.store.ListByTask(ctx, taskID)
}

// History returns a wallet's transactions, newest first.
func (l *Ledger) History(ctx context.Context, walletID string, limit, offset int) ([]*Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return l.store.ListTransactions(ctx, walletID, limit, offset)
}

// HistoryPage returns a page of the wallet's transactions, newest first,
// plus an opaque cursor for the next page ("" when exhausted). Unlike
// offset paging, a cursor stays stable while new transactions land.
func (l *Ledger) HistoryPage(ctx context.Context, walletID, cursor string, limit int) ([]*Transaction, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", ErrInvalidCursor
	}

	// Fetch one extra row to learn whether another page exists.
	txns, err := l.store.ListTransactionsBefore(ctx, walletID, before, limit+1)
	if err != nil {
		return nil, "", err
	}
	txns, next, _ := pagination.ComputePage(txns, limit, func(tx *Transaction) (time.Time, string) {
		return tx.CreatedAt, tx.ID
	})
	return txns, next, nil
}
