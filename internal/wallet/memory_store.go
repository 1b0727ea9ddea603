package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/taskup/backend/internal/idgen"
	"github.com/taskup/backend/internal/money"
	"github.com/taskup/backend/internal/pagination"
)

// MemoryStore is an in-memory Store for tests and demo mode.
// It mirrors the PostgresStore semantics: atomic apply, non-negative
// balances, at most one live transaction per (task, type).
type MemoryStore struct {
	mu       sync.Mutex
	byUser   map[string]*Account
	byID     map[string]*Account
	txns     map[string]*Transaction
	ordered []string // transaction ids in insertion order
}

// NewMemoryStore creates an empty in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byUser: make(map[string]*Account),
		byID:   make(map[string]*Account),
		txns:   make(map[string]*Transaction),
	}
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, userID, currency string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acc, ok := m.byUser[userID]; ok {
		return cloneAccount(acc), nil
	}

	now := time.Now()
	acc := &Account{
		ID:             idgen.WithPrefix("wal_"),
		UserID:         userID,
		Balance:        money.Zero(currency),
		TotalDeposited: money.Zero(currency),
		TotalWithdrawn: money.Zero(currency),
		TotalEarned:    money.Zero(currency),
		TotalSpent:     money.Zero(currency),
		TotalCashback:  money.Zero(currency),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.byUser[userID] = acc
	m.byID[acc.ID] = acc
	return cloneAccount(acc), nil
}

func (m *MemoryStore) GetByUser(ctx context.Context, userID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.byUser[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return cloneAccount(acc), nil
}

func (m *MemoryStore) Get(ctx context.Context, walletID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.byID[walletID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return cloneAccount(acc), nil
}

func (m *MemoryStore) Apply(ctx context.Context, apply Apply) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.byID[apply.WalletID]
	if !ok {
		return nil, ErrWalletNotFound
	}

	// At most one live transaction per (task, type).
	if apply.TaskID != "" {
		for _, tx := range m.txns {
			if tx.TaskID == apply.TaskID && tx.Type == apply.Type &&
				(tx.Status == StatusPending || tx.Status == StatusCompleted) {
				return nil, ErrDuplicateTransaction
			}
		}
	}

	// Debits take effect immediately, even while pending: the reservation
	// is what prevents double-spending before gateway confirmation.
	if apply.Direction == DirDebit {
		newBal, err := acc.Balance.Sub(apply.Amount)
		if err != nil {
			return nil, ErrInsufficientFunds
		}
		acc.Balance = newBal
	} else if apply.Status == StatusCompleted {
		newBal, err := acc.Balance.Add(apply.Amount)
		if err != nil {
			return nil, err
		}
		acc.Balance = newBal
	}

	if apply.Status == StatusCompleted {
		applyAggregates(acc, apply.Type, apply.Amount)
	}
	acc.UpdatedAt = time.Now()

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
		CreatedAt:   time.Now(),
	}
	m.txns[tx.ID] = tx
	m.ordered = append(m.ordered, tx.ID)
	return cloneTransaction(tx), nil
}

func (m *MemoryStore) Finalize(ctx context.Context, txID string, status TxStatus) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txns[txID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if tx.Status != StatusPending {
		return nil, ErrAlreadyFinalized
	}

	acc, ok := m.byID[tx.WalletID]
	if !ok {
		return nil, ErrWalletNotFound
	}

	switch {
	case status == StatusCompleted && tx.Direction == DirCredit:
		newBal, err := acc.Balance.Add(tx.Amount)
		if err != nil {
			return nil, err
		}
		acc.Balance = newBal
		applyAggregates(acc, tx.Type, tx.Amount)
	case status == StatusCompleted && tx.Direction == DirDebit:
		// Balance was reserved at apply time; only the aggregate settles now.
		applyAggregates(acc, tx.Type, tx.Amount)
	case status != StatusCompleted && tx.Direction == DirDebit:
		// Return the reservation.
		newBal, err := acc.Balance.Add(tx.Amount)
		if err != nil {
			return nil, err
		}
		acc.Balance = newBal
	}

	tx.Status = status
	acc.UpdatedAt = time.Now()
	return cloneTransaction(tx), nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txns[txID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return cloneTransaction(tx), nil
}

func (m *MemoryStore) ListByTask(ctx context.Context, taskID string) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Transaction
	for _, id := range m.ordered {
		if tx := m.txns[id]; tx.TaskID == taskID {
			result = append(result, cloneTransaction(tx))
		}
	}
	return result, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, walletID string, limit, offset int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []*Transaction
	for i := len(m.ordered) - 1; i >= 0; i-- { // newest first
		if tx := m.txns[m.ordered[i]]; tx.WalletID == walletID {
			all = append(all, cloneTransaction(tx))
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) ListTransactionsBefore(ctx context.Context, walletID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Transaction
	for i := len(m.ordered) - 1; i >= 0 && len(result) < limit; i-- { // newest first
		tx := m.txns[m.ordered[i]]
		if tx.WalletID != walletID {
			continue
		}
		if before != nil && !olderThan(tx, before) {
			continue
		}
		result = append(result, cloneTransaction(tx))
	}
	return result, nil
}

// olderThan reports whether tx comes strictly after the cursor position
// when ordered by (created_at DESC, id DESC).
func olderThan(tx *Transaction, c *pagination.Cursor) bool {
	if tx.CreatedAt.Equal(c.CreatedAt) {
		return tx.ID < c.ID
	}
	return tx.CreatedAt.Before(c.CreatedAt)
}

// applyAggregates settles a transaction into the wallet's lifetime counters.
// Refunds reduce TotalSpent (compensation for an earlier hold).
func applyAggregates(acc *Account, t TxType, amount money.Money) {
	switch t {
	case TypeDeposit:
		acc.TotalDeposited, _ = acc.TotalDeposited.Add(amount)
	case TypePayout:
		acc.TotalWithdrawn, _ = acc.TotalWithdrawn.Add(amount)
	case TypeRelease:
		acc.TotalEarned, _ = acc.TotalEarned.Add(amount)
	case TypeHold:
		acc.TotalSpent, _ = acc.TotalSpent.Add(amount)
	case TypeRefund:
		if sub, err := acc.TotalSpent.Sub(amount); err == nil {
			acc.TotalSpent = sub
		}
	case TypeCashback:
		acc.TotalCashback, _ = acc.TotalCashback.Add(amount)
	}
}

func cloneAccount(acc *Account) *Account {
	c := *acc
	return &c
}

func cloneTransaction(tx *Transaction) *Transaction {
	c := *tx
	if tx.Metadata != nil {
		c.Metadata = make(map[string]string, len(tx.Metadata))
		for k, v := range tx.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
