// Package tasks manages the marketplace task lifecycle.
//
// Lifecycle: open -> assigned -> in_progress -> completed, with cancelled
// reachable from any non-terminal state. Money movement is gated on this
// lifecycle but lives with the escrow orchestrator, not here.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/taskup/backend/internal/idgen"
	"github.com/taskup/backend/internal/metrics"
	"github.com/taskup/backend/internal/money"
)

var (
	ErrNotFound          = errors.New("tasks: task not found")
	ErrNotOwner          = errors.New("tasks: caller is not the task client")
	ErrNotWorker         = errors.New("tasks: caller is not the assigned worker")
	ErrInvalidTransition = errors.New("tasks: invalid status transition")
	ErrNotFunded         = errors.New("tasks: task must be funded before work starts")
	ErrSelfAssignment    = errors.New("tasks: client cannot work on their own task")
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusOpen       Status = "open"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Task is a job posted by a client for a worker.
type Task struct {
	ID          string      `json:"id"`
	ClientID    string      `json:"clientId"`
	WorkerID    string      `json:"workerId,omitempty"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Price       money.Money `json:"price"`
	Status      Status      `json:"status"`
	Funded      bool        `json:"funded"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// Store persists tasks.
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, task *Task) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Task, error)
}

// Service implements the task lifecycle rules.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a task service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Create posts a new task for the client.
func (s *Service) Create(ctx context.Context, clientID, title, description string, price money.Money) (*Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("tasks: title is required")
	}
	if !price.IsPositive() {
		return nil, errors.New("tasks: price must be positive")
	}

	now := time.Now()
	task := &Task{
		ID:          idgen.WithPrefix("task_"),
		ClientID:    clientID,
		Title:       title,
		Description: strings.TrimSpace(description),
		Price:       price,
		Status:      StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, task); err != nil {
		return nil, err
	}

	metrics.TasksCreatedTotal.Inc()
	s.logger.Info("task created", "task_id", task.ID, "client_id", clientID, "price", price.String())
	return task, nil
}

// Get returns a task by id.
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns tasks where the user is client or worker.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Task, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// Assign puts a worker on an open task. Only the client may assign.
func (s *Service) Assign(ctx context.Context, taskID, callerID, workerID string) (*Task, error) {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.ClientID != callerID {
		return nil, ErrNotOwner
	}
	if workerID == task.ClientID {
		return nil, ErrSelfAssignment
	}
	if task.Status != StatusOpen {
		return nil, ErrInvalidTransition
	}

	task.WorkerID = workerID
	task.Status = StatusAssigned
	task.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Start moves an assigned task to in_progress. Only the assigned worker
// may start, and only once the task is funded.
func (s *Service) Start(ctx context.Context, taskID, callerID string) (*Task, error) {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.WorkerID != callerID {
		return nil, ErrNotWorker
	}
	if task.Status != StatusAssigned {
		return nil, ErrInvalidTransition
	}
	if !task.Funded {
		return nil, ErrNotFunded
	}

	task.Status = StatusInProgress
	task.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Complete marks an in_progress task as completed by the worker. Fund
// release still needs the client's approval through escrow.
func (s *Service) Complete(ctx context.Context, taskID, callerID string) (*Task, error) {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.WorkerID != callerID {
		return nil, ErrNotWorker
	}
	if task.Status != StatusInProgress {
		return nil, ErrInvalidTransition
	}

	now := time.Now()
	task.Status = StatusCompleted
	task.CompletedAt = &now
	task.UpdatedAt = now
	if err := s.store.Update(ctx, task); err != nil {
		return nil, err
	}

	metrics.TasksCompletedTotal.Inc()
	s.logger.Info("task completed", "task_id", task.ID, "worker_id", callerID)
	return task, nil
}

// Cancel moves a non-terminal task to cancelled. Only the client may
// cancel. Refunding any held funds happens through escrow afterwards.
func (s *Service) Cancel(ctx context.Context, taskID, callerID string) (*Task, error) {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.ClientID != callerID {
		return nil, ErrNotOwner
	}
	if task.Status.IsTerminal() {
		return nil, ErrInvalidTransition
	}

	task.Status = StatusCancelled
	task.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, task); err != nil {
		return nil, err
	}

	s.logger.Info("task cancelled", "task_id", task.ID, "client_id", callerID)
	return task, nil
}

// SetFunded flips the funded flag. Called by the escrow orchestrator
// after a hold commits or a refund returns the funds.
func (s *Service) SetFunded(ctx context.Context, taskID string, funded bool) error {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Funded == funded {
		return nil
	}
	task.Funded = funded
	task.UpdatedAt = time.Now()
	return s.store.Update(ctx, task)
}
