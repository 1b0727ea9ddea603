package server

import (
	"context"
	"errors"

	"github.com/taskup/backend/internal/auth"
	"github.com/taskup/backend/internal/escrow"
	"github.com/taskup/backend/internal/tasks"
)

// escrowTasksAdapter adapts tasks.Service to escrow.TaskService.
type escrowTasksAdapter struct {
	tasks *tasks.Service
}

func (a *escrowTasksAdapter) Get(ctx context.Context, id string) (*escrow.Task, error) {
	task, err := a.tasks.Get(ctx, id)
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			return nil, escrow.ErrTaskNotFound
		}
		return nil, err
	}
	return &escrow.Task{
		ID:       task.ID,
		ClientID: task.ClientID,
		WorkerID: task.WorkerID,
		Price:    task.Price,
		Status:   string(task.Status),
	}, nil
}

func (a *escrowTasksAdapter) SetFunded(ctx context.Context, id string, funded bool) error {
	return a.tasks.SetFunded(ctx, id, funded)
}

// userDirectoryAdapter adapts auth.Manager to payments.UserDirectory.
type userDirectoryAdapter struct {
	auth *auth.Manager
}

func (a *userDirectoryAdapter) GetEmail(ctx context.Context, userID string) (string, error) {
	user, err := a.auth.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.Email, nil
}

// gdprUsersAdapter adapts auth.Manager to gdpr.UserService.
type gdprUsersAdapter struct {
	auth *auth.Manager
}

func (a *gdprUsersAdapter) VerifyPassword(ctx context.Context, userID, password string) error {
	return a.auth.VerifyPassword(ctx, userID, password)
}

func (a *gdprUsersAdapter) Anonymize(ctx context.Context, userID string) error {
	return a.auth.Anonymize(ctx, userID)
}

func (a *gdprUsersAdapter) MarkTermsAccepted(ctx context.Context, userID string) error {
	_, err := a.auth.AcceptTerms(ctx, userID)
	return err
}
