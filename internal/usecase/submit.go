package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/testdock/internal/domain"
)

// SubmitRequest is the payload of an execution request after decoding.
type SubmitRequest struct {
	TaskID  string           `json:"taskId" validate:"required,max=128"`
	Image   string           `json:"image" validate:"required,max=256"`
	Command string           `json:"command" validate:"required"`
	Folder  string           `json:"folder,omitempty"`
	Config  domain.RunConfig `json:"config" validate:"required"`
	Tests   []string         `json:"tests,omitempty" validate:"omitempty,dive,required"`
}

// SubmitResult is returned to the caller on acceptance.
type SubmitResult struct {
	Status string `json:"status"`
	TaskID string `json:"taskId"`
}

// ExecutionService implements the producer-side operations: accept a run
// request, list/get/delete executions, always scoped to the caller's
// organization.
type ExecutionService struct {
	Repo     domain.ExecutionRepository
	Queue    domain.Queue
	Notifier domain.Notifier

	// ListLimit caps ListRecent; zero means the repository default.
	ListLimit int
}

// NewExecutionService wires the producer-side service.
func NewExecutionService(repo domain.ExecutionRepository, queue domain.Queue, notifier domain.Notifier) *ExecutionService {
	return &ExecutionService{Repo: repo, Queue: queue, Notifier: notifier}
}

// Submit records a PENDING execution, enqueues the job and broadcasts the
// initial state. If the queue rejects the message the freshly written record
// is removed again so no orphaned PENDING row survives a failed submission.
func (s *ExecutionService) Submit(ctx domain.Context, ident domain.Identity, req SubmitRequest) (SubmitResult, error) {
	if ident.OrganizationID == "" {
		return SubmitResult{}, fmt.Errorf("op=submit: %w: missing organization", domain.ErrUnauthorized)
	}

	exec := domain.Execution{
		TaskID:         req.TaskID,
		OrganizationID: ident.OrganizationID,
		Status:         domain.StatusPending,
		Image:          req.Image,
		Command:        req.Command,
		Config:         req.Config,
		Tests:          req.Tests,
		StartTime:      time.Now().UTC(),
	}
	if err := s.Repo.Upsert(ctx, exec); err != nil {
		return SubmitResult{}, fmt.Errorf("op=submit: persist: %w", err)
	}

	msg := domain.JobMessage{
		TaskID:         req.TaskID,
		OrganizationID: ident.OrganizationID,
		Image:          req.Image,
		Command:        req.Command,
		Folder:         req.Folder,
		Config:         req.Config,
		Tests:          req.Tests,
	}
	if err := s.Queue.EnqueueRun(ctx, msg); err != nil {
		// Roll the record back: a request the queue never saw must not linger
		// as a forever-PENDING execution.
		if delErr := s.Repo.Delete(ctx, req.TaskID, ident.OrganizationID); delErr != nil {
			slog.Error("rollback of unqueued execution failed",
				slog.String("task_id", req.TaskID),
				slog.Any("error", delErr))
		}
		return SubmitResult{}, fmt.Errorf("op=submit: enqueue: %w", err)
	}

	if err := s.Notifier.PublishUpdate(ctx, exec); err != nil {
		slog.Warn("pending broadcast failed",
			slog.String("task_id", req.TaskID),
			slog.Any("error", err))
	}

	slog.Info("execution queued",
		slog.String("task_id", req.TaskID),
		slog.String("organization_id", ident.OrganizationID),
		slog.String("image", req.Image))
	return SubmitResult{Status: "queued", TaskID: req.TaskID}, nil
}

// List returns the organization's recent executions, newest first.
func (s *ExecutionService) List(ctx domain.Context, ident domain.Identity) ([]domain.Execution, error) {
	execs, err := s.Repo.ListRecent(ctx, ident.OrganizationID, s.ListLimit)
	if err != nil {
		return nil, fmt.Errorf("op=list: %w", err)
	}
	return execs, nil
}

// Get fetches one execution. A task id belonging to another organization is
// indistinguishable from a missing one.
func (s *ExecutionService) Get(ctx domain.Context, ident domain.Identity, taskID string) (domain.Execution, error) {
	exec, err := s.Repo.Get(ctx, taskID, ident.OrganizationID)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("op=get: %w", err)
	}
	return exec, nil
}

// Delete removes one execution record, scoped to the caller's organization.
func (s *ExecutionService) Delete(ctx domain.Context, ident domain.Identity, taskID string) error {
	if err := s.Repo.Delete(ctx, taskID, ident.OrganizationID); err != nil {
		return fmt.Errorf("op=delete: %w", err)
	}
	slog.Info("execution deleted",
		slog.String("task_id", taskID),
		slog.String("organization_id", ident.OrganizationID))
	return nil
}
