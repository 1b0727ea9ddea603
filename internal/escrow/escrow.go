// Package escrow orchestrates task funding against the wallet ledger.
//
// Flow:
//  1. Client funds a task -> hold debits price + service fee from the client
//  2. Client approves completion -> release credits the worker with the price
//     and the client with cashback; the fee stays with the platform
//  3. Task is cancelled -> refund credits the price back to the client;
//     the fee is retained
//
// The ledger enforces at most one live transaction per (task, type), so a
// concurrent double hold or double release loses at the storage layer, not
// in a check here.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/taskup/backend/internal/metrics"
	"github.com/taskup/backend/internal/money"
	"github.com/taskup/backend/internal/syncutil"
	"github.com/taskup/backend/internal/traces"
	"github.com/taskup/backend/internal/wallet"
)

var (
	ErrTaskNotFound        = errors.New("escrow: task not found")
	ErrUnauthorized        = errors.New("escrow: not authorized for this task")
	ErrTaskNotFundable     = errors.New("escrow: task cannot be funded in its current state")
	ErrTaskNotHeld         = errors.New("escrow: task has no active hold")
	ErrTaskAlreadyHeld     = errors.New("escrow: task is already funded")
	ErrTaskAlreadyResolved = errors.New("escrow: task funds already released or refunded")
	ErrWorkerNotAssigned   = errors.New("escrow: task has no assigned worker")
	ErrTaskNotCompleted    = errors.New("escrow: task is not completed")
)

// Task is the slice of a marketplace task the orchestrator needs.
type Task struct {
	ID       string
	ClientID string
	WorkerID string
	Price    money.Money
	Status   string
}

// Task statuses the orchestrator gates on. The tasks package owns the
// full lifecycle; these are the states that matter for money movement.
const (
	TaskStatusOpen       = "open"
	TaskStatusAssigned   = "assigned"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusCancelled  = "cancelled"
)

// TaskService abstracts the tasks package so escrow doesn't import it.
// Get must return ErrTaskNotFound (wrapped is fine) for unknown ids.
type TaskService interface {
	Get(ctx context.Context, id string) (*Task, error)
	SetFunded(ctx context.Context, id string, funded bool) error
}

// LedgerService is the slice of the wallet ledger escrow uses.
type LedgerService interface {
	GetOrCreate(ctx context.Context, userID, currency string) (*wallet.Account, error)
	ApplyTransaction(ctx context.Context, apply wallet.Apply) (*wallet.Transaction, error)
	Finalize(ctx context.Context, txID string, status wallet.TxStatus) (*wallet.Transaction, error)
	ListByTask(ctx context.Context, taskID string) ([]*wallet.Transaction, error)
}

// AuditLog records operator-initiated money movement. Optional; wired
// when an audit trail store is available.
type AuditLog interface {
	RecordAdminAction(ctx context.Context, userID, action, entityID string, metadata map[string]string)
}

// HoldResult is the outcome of funding a task.
type HoldResult struct {
	Transaction *wallet.Transaction `json:"transaction"`
	Price       money.Money         `json:"price"`
	Fee         money.Money         `json:"fee"`
	Total       money.Money         `json:"total"`
}

// ReleaseResult is the outcome of releasing task funds to the worker.
type ReleaseResult struct {
	Payout   *wallet.Transaction `json:"payout"`
	Cashback *wallet.Transaction `json:"cashback,omitempty"`
}

// RefundResult is the outcome of refunding a cancelled task.
type RefundResult struct {
	Transaction *wallet.Transaction `json:"transaction"`
	Amount      money.Money         `json:"amount"`
}

// Service implements the escrow business logic.
type Service struct {
	tasks       TaskService
	ledger      LedgerService
	feeBPS      int64
	cashbackBPS int64
	currency    string
	logger      *slog.Logger
	audit       AuditLog

	// taskLocks serializes money movement per task so a hold and its
	// compensation cannot interleave with a concurrent release or refund.
	taskLocks *syncutil.ContextShardedMutex
}

// NewService creates an escrow orchestrator. Rates are basis points
// (1500 = 15% service fee, 200 = 2% cashback).
func NewService(tasks TaskService, ledger LedgerService, feeBPS, cashbackBPS int64, currency string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tasks:       tasks,
		ledger:      ledger,
		feeBPS:      feeBPS,
		cashbackBPS: cashbackBPS,
		currency:    currency,
		logger:      logger,
		taskLocks:   syncutil.NewContextShardedMutex(),
	}
}

// SetAuditLog attaches an audit trail for admin-initiated refunds.
func (s *Service) SetAuditLog(audit AuditLog) {
	s.audit = audit
}

// Quote returns the fee and total for a price without moving money.
func (s *Service) Quote(price money.Money) (fee, total money.Money, err error) {
	fee = price.ApplyBPS(s.feeBPS)
	total, err = price.Add(fee)
	return fee, total, err
}

// Hold funds a task: price plus service fee move out of the client's
// wallet. Only the task's client may fund it, and only before work starts.
func (s *Service) Hold(ctx context.Context, taskID, callerID string) (*HoldResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Hold", traces.TaskID(taskID), traces.UserID(callerID))
	defer span.End()

	outcome := "error"
	defer func() { metrics.EscrowHoldsTotal.WithLabelValues(outcome).Inc() }()

	unlock, err := s.taskLocks.LockContext(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.ClientID != callerID {
		return nil, ErrUnauthorized
	}
	switch task.Status {
	case TaskStatusOpen, TaskStatusAssigned:
	case TaskStatusCompleted, TaskStatusCancelled:
		return nil, ErrTaskNotFundable
	default:
		return nil, ErrTaskNotFundable
	}

	fee, total, err := s.Quote(task.Price)
	if err != nil {
		return nil, err
	}

	acc, err := s.ledger.GetOrCreate(ctx, callerID, s.currency)
	if err != nil {
		return nil, err
	}

	// The hold starts as a pending reservation and settles only after the
	// task is marked funded. Failing the reservation on error returns the
	// money and frees the (task_id, type) slot for a clean retry.
	tx, err := s.ledger.ApplyTransaction(ctx, wallet.Apply{
		WalletID:    acc.ID,
		TaskID:      task.ID,
		Type:        wallet.TypeHold,
		Direction:   wallet.DirDebit,
		Amount:      total,
		Status:      wallet.StatusPending,
		Description: fmt.Sprintf("Hold for task %s (price %s + fee %s)", task.ID, task.Price, fee),
		Metadata: map[string]string{
			"price": task.Price.String(),
			"fee":   fee.String(),
		},
	})
	if err != nil {
		if errors.Is(err, wallet.ErrDuplicateTransaction) {
			return nil, ErrTaskAlreadyHeld
		}
		return nil, err
	}

	if err := s.tasks.SetFunded(ctx, task.ID, true); err != nil {
		if _, failErr := s.ledger.Finalize(ctx, tx.ID, wallet.StatusFailed); failErr != nil {
			s.logger.Error("failed to return hold reservation, funds stranded",
				"task_id", task.ID, "transaction_id", tx.ID, "error", failErr)
		}
		return nil, fmt.Errorf("escrow: failed to mark task funded: %w", err)
	}

	tx, err = s.ledger.Finalize(ctx, tx.ID, wallet.StatusCompleted)
	if err != nil {
		if _, failErr := s.ledger.Finalize(ctx, tx.ID, wallet.StatusFailed); failErr != nil {
			s.logger.Error("hold reservation stranded pending",
				"task_id", task.ID, "error", failErr)
		}
		if fundErr := s.tasks.SetFunded(ctx, task.ID, false); fundErr != nil {
			s.logger.Error("failed to clear funded flag after hold settlement failure",
				"task_id", task.ID, "error", fundErr)
		}
		return nil, fmt.Errorf("escrow: failed to settle hold: %w", err)
	}

	s.logger.Info("task funded",
		"task_id", task.ID,
		"client_id", callerID,
		"price", task.Price.String(),
		"fee", fee.String(),
		"total", total.String(),
	)
	outcome = "success"
	return &HoldResult{Transaction: tx, Price: task.Price, Fee: fee, Total: total}, nil
}

// Release pays the worker and credits cashback to the client. Only the
// task's client may release, and only once the task is completed.
//
// Cashback failure is not fatal: the payout stands and the miss is logged.
func (s *Service) Release(ctx context.Context, taskID, callerID string) (*ReleaseResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.TaskID(taskID), traces.UserID(callerID))
	defer span.End()

	outcome := "error"
	defer func() { metrics.EscrowReleasesTotal.WithLabelValues(outcome).Inc() }()

	unlock, err := s.taskLocks.LockContext(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.ClientID != callerID {
		return nil, ErrUnauthorized
	}
	if task.WorkerID == "" {
		return nil, ErrWorkerNotAssigned
	}
	if task.Status != TaskStatusCompleted {
		return nil, ErrTaskNotCompleted
	}

	hold, err := s.activeHold(ctx, task.ID)
	if err != nil {
		return nil, err
	}

	workerAcc, err := s.ledger.GetOrCreate(ctx, task.WorkerID, s.currency)
	if err != nil {
		return nil, err
	}

	payout, err := s.ledger.ApplyTransaction(ctx, wallet.Apply{
		WalletID:    workerAcc.ID,
		TaskID:      task.ID,
		Type:        wallet.TypeRelease,
		Direction:   wallet.DirCredit,
		Amount:      task.Price,
		Status:      wallet.StatusCompleted,
		Description: fmt.Sprintf("Payment for task %s", task.ID),
		Metadata:    map[string]string{"hold_id": hold.ID},
	})
	if err != nil {
		if errors.Is(err, wallet.ErrDuplicateTransaction) {
			return nil, ErrTaskAlreadyResolved
		}
		return nil, err
	}

	result := &ReleaseResult{Payout: payout}

	cashbackAmount := task.Price.ApplyBPS(s.cashbackBPS)
	if cashbackAmount.IsPositive() {
		clientAcc, err := s.ledger.GetOrCreate(ctx, task.ClientID, s.currency)
		if err == nil {
			result.Cashback, err = s.ledger.ApplyTransaction(ctx, wallet.Apply{
				WalletID:    clientAcc.ID,
				TaskID:      task.ID,
				Type:        wallet.TypeCashback,
				Direction:   wallet.DirCredit,
				Amount:      cashbackAmount,
				Status:      wallet.StatusCompleted,
				Description: fmt.Sprintf("Cashback for task %s", task.ID),
			})
		}
		if err != nil {
			s.logger.Error("cashback credit failed",
				"task_id", task.ID, "client_id", task.ClientID,
				"amount", cashbackAmount.String(), "error", err)
			result.Cashback = nil
		}
	}

	s.logger.Info("task funds released",
		"task_id", task.ID,
		"worker_id", task.WorkerID,
		"payout", task.Price.String(),
	)
	outcome = "success"
	return result, nil
}

// Refund returns the task price to the client after cancellation. The
// service fee is retained. Only the task's client may request it. A
// non-empty reason is recorded on the refund transaction.
func (s *Service) Refund(ctx context.Context, taskID, callerID, reason string) (*RefundResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.TaskID(taskID), traces.UserID(callerID))
	defer span.End()
	return s.refund(ctx, taskID, callerID, reason, false)
}

// AdminRefund refunds a cancelled task on behalf of support staff. The
// client ownership check is skipped and the reversal is audit-logged
// against the task's client.
func (s *Service) AdminRefund(ctx context.Context, taskID, reason string) (*RefundResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AdminRefund", traces.TaskID(taskID))
	defer span.End()
	return s.refund(ctx, taskID, "", reason, true)
}

func (s *Service) refund(ctx context.Context, taskID, callerID, reason string, admin bool) (*RefundResult, error) {
	outcome := "error"
	defer func() { metrics.EscrowRefundsTotal.WithLabelValues(outcome).Inc() }()

	unlock, err := s.taskLocks.LockContext(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !admin && task.ClientID != callerID {
		return nil, ErrUnauthorized
	}
	if task.Status != TaskStatusCancelled {
		return nil, fmt.Errorf("%w: refunds require a cancelled task", ErrTaskNotFundable)
	}

	hold, err := s.activeHold(ctx, task.ID)
	if err != nil {
		return nil, err
	}

	acc, err := s.ledger.GetOrCreate(ctx, task.ClientID, s.currency)
	if err != nil {
		return nil, err
	}

	description := fmt.Sprintf("Refund for task %s", task.ID)
	if reason != "" {
		description = fmt.Sprintf("Refund for task %s: %s", task.ID, reason)
	}
	tx, err := s.refundHold(ctx, acc.ID, task.ID, task.Price, description)
	if err != nil {
		if errors.Is(err, wallet.ErrDuplicateTransaction) {
			return nil, ErrTaskAlreadyResolved
		}
		return nil, err
	}

	if err := s.tasks.SetFunded(ctx, task.ID, false); err != nil {
		s.logger.Error("failed to clear funded flag after refund", "task_id", task.ID, "error", err)
	}

	if admin && s.audit != nil {
		s.audit.RecordAdminAction(ctx, task.ClientID, "admin_refund", task.ID, map[string]string{
			"reason":         reason,
			"transaction_id": tx.ID,
			"amount":         task.Price.String(),
		})
	}

	s.logger.Info("task refunded",
		"task_id", task.ID,
		"client_id", task.ClientID,
		"amount", task.Price.String(),
		"hold_id", hold.ID,
		"admin", admin,
	)
	outcome = "success"
	return &RefundResult{Transaction: tx, Amount: task.Price}, nil
}

func (s *Service) refundHold(ctx context.Context, walletID, taskID string, amount money.Money, description string) (*wallet.Transaction, error) {
	return s.ledger.ApplyTransaction(ctx, wallet.Apply{
		WalletID:    walletID,
		TaskID:      taskID,
		Type:        wallet.TypeRefund,
		Direction:   wallet.DirCredit,
		Amount:      amount,
		Status:      wallet.StatusCompleted,
		Description: description,
	})
}

// activeHold finds the completed hold for a task, and fails if the task
// was already released or refunded.
func (s *Service) activeHold(ctx context.Context, taskID string) (*wallet.Transaction, error) {
	txns, err := s.ledger.ListByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var hold *wallet.Transaction
	for _, tx := range txns {
		if tx.Status != wallet.StatusCompleted {
			continue
		}
		switch tx.Type {
		case wallet.TypeHold:
			hold = tx
		case wallet.TypeRelease, wallet.TypeRefund:
			return nil, ErrTaskAlreadyResolved
		}
	}
	if hold == nil {
		return nil, ErrTaskNotHeld
	}
	return hold, nil
}
