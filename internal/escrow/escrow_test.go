package escrow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/taskup/backend/internal/money"
	"github.com/taskup/backend/internal/wallet"
)

// fakeTasks is an in-memory TaskService for tests.
type fakeTasks struct {
	mu            sync.Mutex
	tasks         map[string]*Task
	failSetFunded int
}

func newFakeTasks(tasks ...*Task) *fakeTasks {
	f := &fakeTasks{tasks: make(map[string]*Task)}
	for _, t := range tasks {
		f.tasks[t.ID] = t
	}
	return f
}

func (f *fakeTasks) Get(ctx context.Context, id string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	copied := *t
	return &copied, nil
}

func (f *fakeTasks) SetFunded(ctx context.Context, id string, funded bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	if f.failSetFunded > 0 {
		f.failSetFunded--
		return errors.New("tasks store unavailable")
	}
	return nil
}

func (f *fakeTasks) setStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[id].Status = status
}

func setupEscrow(t *testing.T, tasks *fakeTasks) (*Service, *wallet.Ledger) {
	t.Helper()
	ledger := wallet.New(wallet.NewMemoryStore(), nil)
	svc := NewService(tasks, ledger, 1500, 200, "nok", nil)
	return svc, ledger
}

func deposit(t *testing.T, ledger *wallet.Ledger, userID, amount string) *wallet.Account {
	t.Helper()
	ctx := context.Background()
	acc, err := ledger.GetOrCreate(ctx, userID, "nok")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	_, err = ledger.ApplyTransaction(ctx, wallet.Apply{
		WalletID:  acc.ID,
		Type:      wallet.TypeDeposit,
		Direction: wallet.DirCredit,
		Amount:    money.MustParse(amount, "nok"),
	})
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	return acc
}

func balance(t *testing.T, ledger *wallet.Ledger, userID string) string {
	t.Helper()
	acc, err := ledger.GetOrCreate(context.Background(), userID, "nok")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	return acc.Balance.String()
}

func standardTask() *Task {
	return &Task{
		ID:       "task_1",
		ClientID: "client_1",
		WorkerID: "worker_1",
		Price:    money.MustParse("500.00", "nok"),
		Status:   TaskStatusAssigned,
	}
}

func TestHold_DebitsPricePlusFee(t *testing.T) {
	tasks := newFakeTasks(standardTask())
	svc, ledger := setupEscrow(t, tasks)
	deposit(t, ledger, "client_1", "1000.00")

	result, err := svc.Hold(context.Background(), "task_1", "client_1")
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}

	if result.Fee.String() != "75.00" {
		t.Errorf("fee = %s, want 75.00", result.Fee)
	}
	if result.Total.String() != "575.00" {
		t.Errorf("total = %s, want 575.00", result.Total)
	}
	if got := balance(t, ledger, "client_1"); got != "425.00" {
		t.Errorf("client balance = %s, want 425.00", got)
	}
}

func TestHold_InsufficientFunds(t *testing.T) {
	tasks := newFakeTasks(standardTask())
	svc, ledger := setupEscrow(t, tasks)
	deposit(t, ledger, "client_1", "500.00") // covers price but not the fee

	_, err := svc.Hold(context.Background(), "task_1", "client_1")
	if !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// No partial state: balance untouched, no transactions recorded.
	if got := balance(t, ledger, "client_1"); got != "500.00" {
		t.Errorf("client balance = %s, want 500.00", got)
	}
	txns, _ := ledger.ListByTask(context.Background(), "task_1")
	if len(txns) != 0 {
		t.Errorf("expected no transactions, got %d", len(txns))
	}
}

func TestHold_Twice(t *testing.T) {
	tasks := newFakeTasks(standardTask())
	svc, ledger := setupEscrow(t, tasks)
	deposit(t, ledger, "client_1", "2000.00")
	ctx := context.Background()

	if _, err := svc.Hold(ctx, "task_1", "client_1"); err != nil {
		t.Fatalf("first hold failed: %v", err)
	}
	if _, err := svc.Hold(ctx, "task_1", "client_1"); !errors.Is(err, ErrTaskAlreadyHeld) {
		t.Fatalf("expected ErrTaskAlreadyHeld, got %v", err)
	}

	if got := balance(t, ledger, "client_1"); got != "1425.00" {
		t.Errorf("client balance = %s, want 1425.00 (one hold only)", got)
	}
}

func TestHold_Concurrent(t *testing.T) {
	tasks := newFakeTasks(standardTask())
	svc, ledger := setupEscrow(t, tasks)
	deposit(t, ledger, "client_1", "5000.00")

	const n = 8
	var wg sync.WaitGroup
	var succeeded, alreadyHeld atomic.Int64
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Hold(context.Background(), "task_1", "client_1")
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrTaskAlreadyHeld):
				alreadyHeld.Add(1)
			default:
				t.Errorf("unexpected hold error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 1 || alreadyHeld.Load() != n-1 {
		t.Errorf("got %d successes and %d ErrTaskAlreadyHeld, want 1 and %d",
			succeeded.Load(), alreadyHeld.Load(), n-1)
	}
	if got := balance(t, ledger, "client_1"); got != "4425.00" {
		t.Errorf("client balance = %s, want 4425.00 (exactly one hold)", got)
	}
}

func TestHold_TaskUpdateFailureFreesTheSlot(t *testing.T) {
	tasks := newFakeTasks(standardTask())
	tasks.failSetFunded = 1
	svc, ledger := setupEscrow(t, tasks)
	deposit(t, ledger, "client_1", "1000.00")
	ctx := context.Background()

	if _, err := svc.Hold(ctx, "task_1", "client_1"); err == nil {
		t.Fatal("expected an error while the tasks store is down")
	}
	if got := balance(t, ledger, "client_1"); got != "1000.00" {
		t.Fatalf("client balance = %s, want 1000.00 (reservation returned)", got)
	}

	// The failed attempt must not occupy the hold slot or block a later
	// refund path: a clean retry funds the task normally.
	if _, err := svc.Hold(ctx, "task_1", "client_1"); err != nil {
		t.Fatalf("retry after failure must succeed, got %v", err)
	}
	if got := balance(t, ledger, "client_1"); got != "425.00" {
		t.Errorf("client balance = %s, want 425.00", got)
	}
	tasks.setStatus("task_1", TaskStatusCancelled)
	if _, err := svc.Refund(ctx, "task_1", "client_1", ""); err != nil {
		t.Fatalf("refund after retried hold must succeed, got %v", err)
	}
	if got := balance(t, ledger, "client_1"); got != "925.00" {
		t.Errorf("client balance = %s, want 925.00 after refund", got)
	}
}

func TestHold_OnlyClientMayFund(t *testing.T) {
	tasks := newFakeTasks(standardTask())
	svc, ledger := setupEscrow(t, tasks)
	deposit(t, ledger, "worker_1", "1000.00")

	_, err := svc.Hold(context.Background(), "task_1", "worker_1")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestHold_CompletedTask(t *testing.T) {
	task := standardTask()
	task.Status = TaskStatusCompleted
	svc, ledger := setupEscrow(t, newFakeTasks(task))
	deposit(t, ledger, "client_1", "1000.00")

	if _, err := svc.Hold(context.Background(), "task_1", "client_1"); !errors.Is(err, ErrTaskNotFundable) {
		t.Fatalf("expected ErrTaskNotFundable, got %v", err)
	}
}

func TestRelease_FullScenario(t *testing.T) {
	tasks := newFakeTasks(standardTask())
	svc, ledger := setupEscrow(t, tasks)
	deposit(t, ledger, "client_1", "1000.00")
	ctx := context.Background()

	if _, err := svc.Hold(ctx, "task_1", "client_1"); err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	tasks.setStatus("task_1", TaskStatusCompleted)

	result, err := svc.Release(ctx, "task_1", "client_1")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if result.Payout.Amount.String() != "500.00" {
		t.Errorf("payout = %s, want 500.00", result.Payout.Amount)
	}
	if result.Cashback == nil || result.Cashback.Amount.String() != "10.00" {
		t.Errorf("cashback = %v, want 10.00", result.Cashback)
	}

	// Client: 1000 - 575 + 10 = 435. Worker: +500. Fee of 75 stays with
	// the platform (debited, never re-credited).
	if got := balance(t, ledger, "client_1"); got != "435.00" {
		t.Errorf("client balance = %s, want 435.00", got)
	}
	if got := balance(t, ledger, "worker_1"); got != "500.00" {
		t.Errorf("worker balance = %s, want 500.00", got)
	}

	workerAcc, _ := ledger.GetOrCreate(ctx, "worker_1", "nok")
	if workerAcc.TotalEarned.String() != "500.00" {
		t.Errorf("worker totalEarned = %s, want 500.00", workerAcc.TotalEarned)
	}
}

func TestRelease_Twice(t *testing.T) {
	tasks := newFakeTasks(standardTask())
	svc, ledger := setupEscrow(t, tasks)
	deposit(t, ledger, "client_1", "1000.00")
	ctx := context.Background()

	if _, err := svc.Hold(ctx, "task_1", "client_1"); err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	tasks.setStatus("task_1", TaskStatusCompleted)

	if _, err := svc.Release(ctx, "task_1", "client_1"); err != nil {
		t.Fatalf("first Release failed: %v", err)
	}
	if _, err := svc.Release(ctx, "task_1", "client_1"); !errors.Is(err, ErrTaskAlreadyResolved) {
		t.Fatalf("expected ErrTaskAlreadyResolved, got %v", err)
	}

	if got := balance(t, ledger, "worker_1"); got != "500.00" {
		t.Errorf("worker balance = %s, want 500.00 (single payout)", got)
	}
}

func TestRelease_WithoutHold(t *testing.T) {
	task := standardTask()
	task.Status = TaskStatusCompleted
	svc, _ := setupEscrow(t, newFakeTasks(task))

	if _, err := svc.Release(context.Background(), "task_1", "client_1"); !errors.Is(err, ErrTaskNotHeld) {
		t.Fatalf("expected ErrTaskNotHeld, got %v", err)
	}
}

func TestRelease_RequiresCompletion(t *testing.T) {
	tasks := newFakeTasks(standardTask())
	svc, ledger := setupEscrow(t, tasks)
	deposit(t, ledger, "client_1", "1000.00")
	ctx := context.Background()

	if _, err := svc.Hold(ctx, "task_1", "client_1"); err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	if _, err := svc.Release(ctx, "task_1", "client_1"); !errors.Is(err, ErrTaskNotCompleted) {
		t.Fatalf("expected ErrTaskNotCompleted, got %v", err)
	}
}

func TestRefund_ReturnsPriceKeepsFee(t *testing.T) {
	tasks := newFakeTasks(standardTask())
	svc, ledger := setupEscrow(t, tasks)
	deposit(t, ledger, "client_1", "1000.00")
	ctx := context.Background()

	if _, err := svc.Hold(ctx, "task_1", "client_1"); err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	tasks.setStatus("task_1", TaskStatusCancelled)

	result, err := svc.Refund(ctx, "task_1", "client_1", "worker never showed up")
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if result.Amount.String() != "500.00" {
		t.Errorf("refund = %s, want 500.00", result.Amount)
	}
	if result.Transaction.Description != "Refund for task task_1: worker never showed up" {
		t.Errorf("description = %q, want the reason recorded", result.Transaction.Description)
	}

	// 1000 - 575 + 500 = 925; the 75.00 fee is retained.
	if got := balance(t, ledger, "client_1"); got != "925.00" {
		t.Errorf("client balance = %s, want 925.00", got)
	}
}

type fakeAudit struct {
	entries []string
}

func (f *fakeAudit) RecordAdminAction(ctx context.Context, userID, action, entityID string, metadata map[string]string) {
	f.entries = append(f.entries, action+":"+entityID+":"+userID)
}

func TestAdminRefund_SkipsOwnershipCheckAndAudits(t *testing.T) {
	tasks := newFakeTasks(standardTask())
	svc, ledger := setupEscrow(t, tasks)
	audit := &fakeAudit{}
	svc.SetAuditLog(audit)
	deposit(t, ledger, "client_1", "1000.00")
	ctx := context.Background()

	if _, err := svc.Hold(ctx, "task_1", "client_1"); err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	tasks.setStatus("task_1", TaskStatusCancelled)

	result, err := svc.AdminRefund(ctx, "task_1", "chargeback")
	if err != nil {
		t.Fatalf("AdminRefund failed: %v", err)
	}
	if result.Amount.String() != "500.00" {
		t.Errorf("refund = %s, want 500.00", result.Amount)
	}
	if got := balance(t, ledger, "client_1"); got != "925.00" {
		t.Errorf("client balance = %s, want 925.00", got)
	}
	if len(audit.entries) != 1 || audit.entries[0] != "admin_refund:task_1:client_1" {
		t.Errorf("audit entries = %v, want one admin_refund for task_1", audit.entries)
	}
}

func TestRefund_AfterRelease(t *testing.T) {
	tasks := newFakeTasks(standardTask())
	svc, ledger := setupEscrow(t, tasks)
	deposit(t, ledger, "client_1", "1000.00")
	ctx := context.Background()

	if _, err := svc.Hold(ctx, "task_1", "client_1"); err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	tasks.setStatus("task_1", TaskStatusCompleted)
	if _, err := svc.Release(ctx, "task_1", "client_1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	tasks.setStatus("task_1", TaskStatusCancelled)
	if _, err := svc.Refund(ctx, "task_1", "client_1", ""); !errors.Is(err, ErrTaskAlreadyResolved) {
		t.Fatalf("expected ErrTaskAlreadyResolved, got %v", err)
	}
}

func TestRefund_UnknownTask(t *testing.T) {
	svc, _ := setupEscrow(t, newFakeTasks())
	if _, err := svc.Refund(context.Background(), "task_missing", "client_1", ""); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestQuote(t *testing.T) {
	svc, _ := setupEscrow(t, newFakeTasks())

	fee, total, err := svc.Quote(money.MustParse("200.00", "nok"))
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if fee.String() != "30.00" || total.String() != "230.00" {
		t.Errorf("Quote(200.00) = fee %s total %s, want 30.00 / 230.00", fee, total)
	}
}
