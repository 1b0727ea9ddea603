package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/taskup/backend/internal/money"
)

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return New(store, nil), store
}

func fundedWallet(t *testing.T, l *Ledger, userID, amount string) *Account {
	t.Helper()
	ctx := context.Background()
	acc, err := l.GetOrCreate(ctx, userID, "nok")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if amount != "" {
		_, err = l.ApplyTransaction(ctx, Apply{
			WalletID:  acc.ID,
			Type:      TypeDeposit,
			Direction: DirCredit,
			Amount:    money.MustParse(amount, "nok"),
			Status:    StatusCompleted,
		})
		if err != nil {
			t.Fatalf("deposit failed: %v", err)
		}
	}
	return acc
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	a, err := l.GetOrCreate(ctx, "usr_1", "nok")
	if err != nil {
		t.Fatalf("first GetOrCreate failed: %v", err)
	}
	b, err := l.GetOrCreate(ctx, "usr_1", "nok")
	if err != nil {
		t.Fatalf("second GetOrCreate failed: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("expected same wallet, got %s and %s", a.ID, b.ID)
	}
}

func TestApply_DepositCreditsBalance(t *testing.T) {
	l, _ := newTestLedger(t)
	acc := fundedWallet(t, l, "usr_1", "500.00")

	got, err := l.Get(context.Background(), acc.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Balance.String() != "500.00" {
		t.Errorf("balance = %s, want 500.00", got.Balance)
	}
	if got.TotalDeposited.String() != "500.00" {
		t.Errorf("totalDeposited = %s, want 500.00", got.TotalDeposited)
	}
}

func TestApply_InsufficientFunds(t *testing.T) {
	l, _ := newTestLedger(t)
	acc := fundedWallet(t, l, "usr_1", "100.00")
	ctx := context.Background()

	_, err := l.ApplyTransaction(ctx, Apply{
		WalletID:  acc.ID,
		TaskID:    "task_1",
		Type:      TypeHold,
		Direction: DirDebit,
		Amount:    money.MustParse("575.00", "nok"),
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// Nothing must have changed.
	got, _ := l.Get(ctx, acc.ID)
	if got.Balance.String() != "100.00" {
		t.Errorf("balance = %s, want 100.00 (unchanged)", got.Balance)
	}
	txns, _ := l.ListByTask(ctx, "task_1")
	if len(txns) != 0 {
		t.Errorf("expected no transactions for failed hold, got %d", len(txns))
	}
}

func TestApply_DuplicateTaskTransaction(t *testing.T) {
	l, _ := newTestLedger(t)
	acc := fundedWallet(t, l, "usr_1", "2000.00")
	ctx := context.Background()

	apply := Apply{
		WalletID:  acc.ID,
		TaskID:    "task_1",
		Type:      TypeHold,
		Direction: DirDebit,
		Amount:    money.MustParse("575.00", "nok"),
	}
	if _, err := l.ApplyTransaction(ctx, apply); err != nil {
		t.Fatalf("first hold failed: %v", err)
	}
	if _, err := l.ApplyTransaction(ctx, apply); !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected ErrDuplicateTransaction, got %v", err)
	}

	got, _ := l.Get(ctx, acc.ID)
	if got.Balance.String() != "1425.00" {
		t.Errorf("balance = %s, want 1425.00 (only one hold applied)", got.Balance)
	}
}

func TestApply_RejectsNonPositiveAmount(t *testing.T) {
	l, _ := newTestLedger(t)
	acc := fundedWallet(t, l, "usr_1", "100.00")

	_, err := l.ApplyTransaction(context.Background(), Apply{
		WalletID:  acc.ID,
		Type:      TypeDeposit,
		Direction: DirCredit,
		Amount:    money.Zero("nok"),
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestPendingDebit_ReservesBalance(t *testing.T) {
	l, _ := newTestLedger(t)
	acc := fundedWallet(t, l, "usr_1", "1000.00")
	ctx := context.Background()

	tx, err := l.ApplyTransaction(ctx, Apply{
		WalletID:  acc.ID,
		TaskID:    "task_1",
		Type:      TypeHold,
		Direction: DirDebit,
		Amount:    money.MustParse("575.00", "nok"),
		Status:    StatusPending,
	})
	if err != nil {
		t.Fatalf("pending hold failed: %v", err)
	}

	got, _ := l.Get(ctx, acc.ID)
	if got.Balance.String() != "425.00" {
		t.Errorf("balance = %s, want 425.00 (reservation active)", got.Balance)
	}
	// Aggregates settle only on completion.
	if got.TotalSpent.String() != "0.00" {
		t.Errorf("totalSpent = %s, want 0.00 while pending", got.TotalSpent)
	}

	if _, err := l.Finalize(ctx, tx.ID, StatusFailed); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	got, _ = l.Get(ctx, acc.ID)
	if got.Balance.String() != "1000.00" {
		t.Errorf("balance = %s, want 1000.00 (reservation returned)", got.Balance)
	}
}

func TestPendingCredit_SettlesOnCompletion(t *testing.T) {
	l, _ := newTestLedger(t)
	acc := fundedWallet(t, l, "usr_1", "")
	ctx := context.Background()

	tx, err := l.ApplyTransaction(ctx, Apply{
		WalletID:  acc.ID,
		Type:      TypeDeposit,
		Direction: DirCredit,
		Amount:    money.MustParse("250.00", "nok"),
		Status:    StatusPending,
	})
	if err != nil {
		t.Fatalf("pending deposit failed: %v", err)
	}

	got, _ := l.Get(ctx, acc.ID)
	if !got.Balance.IsZero() {
		t.Errorf("balance = %s, want 0.00 before settlement", got.Balance)
	}

	if _, err := l.Finalize(ctx, tx.ID, StatusCompleted); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	got, _ = l.Get(ctx, acc.ID)
	if got.Balance.String() != "250.00" {
		t.Errorf("balance = %s, want 250.00", got.Balance)
	}
	if got.TotalDeposited.String() != "250.00" {
		t.Errorf("totalDeposited = %s, want 250.00", got.TotalDeposited)
	}
}

func TestFinalize_Twice(t *testing.T) {
	l, _ := newTestLedger(t)
	acc := fundedWallet(t, l, "usr_1", "")
	ctx := context.Background()

	tx, err := l.ApplyTransaction(ctx, Apply{
		WalletID:  acc.ID,
		Type:      TypeDeposit,
		Direction: DirCredit,
		Amount:    money.MustParse("100.00", "nok"),
		Status:    StatusPending,
	})
	if err != nil {
		t.Fatalf("pending deposit failed: %v", err)
	}

	if _, err := l.Finalize(ctx, tx.ID, StatusCompleted); err != nil {
		t.Fatalf("first Finalize failed: %v", err)
	}
	if _, err := l.Finalize(ctx, tx.ID, StatusCompleted); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}

	// The credit must not have landed twice.
	got, _ := l.Get(ctx, acc.ID)
	if got.Balance.String() != "100.00" {
		t.Errorf("balance = %s, want 100.00", got.Balance)
	}
}

func TestFinalize_RequiresTerminalStatus(t *testing.T) {
	l, _ := newTestLedger(t)
	if _, err := l.Finalize(context.Background(), "txn_x", StatusPending); err == nil {
		t.Error("expected error finalizing to pending")
	}
}

func TestHistory_NewestFirst(t *testing.T) {
	l, _ := newTestLedger(t)
	acc := fundedWallet(t, l, "usr_1", "")
	ctx := context.Background()

	for _, amount := range []string{"10.00", "20.00", "30.00"} {
		_, err := l.ApplyTransaction(ctx, Apply{
			WalletID:  acc.ID,
			Type:      TypeDeposit,
			Direction: DirCredit,
			Amount:    money.MustParse(amount, "nok"),
		})
		if err != nil {
			t.Fatalf("deposit %s failed: %v", amount, err)
		}
	}

	txns, err := l.History(ctx, acc.ID, 2, 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txns))
	}
	if txns[0].Amount.String() != "30.00" || txns[1].Amount.String() != "20.00" {
		t.Errorf("expected newest first, got %s then %s", txns[0].Amount, txns[1].Amount)
	}

	rest, err := l.History(ctx, acc.ID, 2, 2)
	if err != nil {
		t.Fatalf("History with offset failed: %v", err)
	}
	if len(rest) != 1 || rest[0].Amount.String() != "10.00" {
		t.Errorf("expected [10.00] at offset 2, got %v", rest)
	}
}

func TestHistoryPage_CursorWalk(t *testing.T) {
	l, _ := newTestLedger(t)
	acc := fundedWallet(t, l, "usr_1", "")
	ctx := context.Background()

	for _, amount := range []string{"10.00", "20.00", "30.00"} {
		_, err := l.ApplyTransaction(ctx, Apply{
			WalletID:  acc.ID,
			Type:      TypeDeposit,
			Direction: DirCredit,
			Amount:    money.MustParse(amount, "nok"),
		})
		if err != nil {
			t.Fatalf("deposit %s failed: %v", amount, err)
		}
	}

	page, next, err := l.HistoryPage(ctx, acc.ID, "", 2)
	if err != nil {
		t.Fatalf("HistoryPage failed: %v", err)
	}
	if len(page) != 2 || page[0].Amount.String() != "30.00" || page[1].Amount.String() != "20.00" {
		t.Fatalf("unexpected first page: %v", page)
	}
	if next == "" {
		t.Fatal("expected a next cursor for the remaining page")
	}

	rest, next, err := l.HistoryPage(ctx, acc.ID, next, 2)
	if err != nil {
		t.Fatalf("HistoryPage with cursor failed: %v", err)
	}
	if len(rest) != 1 || rest[0].Amount.String() != "10.00" {
		t.Errorf("expected [10.00] on the second page, got %v", rest)
	}
	if next != "" {
		t.Errorf("expected exhausted cursor, got %q", next)
	}

	if _, _, err := l.HistoryPage(ctx, acc.ID, "not-a-cursor", 2); !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("expected ErrInvalidCursor, got %v", err)
	}
}

func TestConcurrentDebits_NoOverdraft(t *testing.T) {
	l, _ := newTestLedger(t)
	acc := fundedWallet(t, l, "usr_1", "100.00")
	ctx := context.Background()

	const attempts = 20
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := range attempts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.ApplyTransaction(ctx, Apply{
				WalletID:  acc.ID,
				Type:      TypePayout,
				Direction: DirDebit,
				Amount:    money.MustParse("30.00", "nok"),
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrInsufficientFunds) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 3 {
		t.Errorf("expected exactly 3 debits of 30.00 from 100.00, got %d", succeeded)
	}

	got, _ := l.Get(ctx, acc.ID)
	if got.Balance.String() != "10.00" {
		t.Errorf("balance = %s, want 10.00", got.Balance)
	}
}
