// Package tasks holds the task operations shared by the CLI, the REST API
// and the MCP server.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joescharf/daybook/internal/models"
	"github.com/joescharf/daybook/internal/store"
)

// AddRequest describes a new personal task.
type AddRequest struct {
	Title       string
	Description string
	Status      models.TaskStatus
	Labels      []string
}

// EditRequest holds the fields to change; nil leaves a field alone.
type EditRequest struct {
	Title       *string
	Description *string
	Status      *models.TaskStatus
	Labels      *[]string
}

// Service applies task lifecycle rules on top of the store.
type Service struct {
	store store.Store
	log   *slog.Logger
	now   func() time.Time
}

// NewService creates a task service.
func NewService(s store.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: s, log: log, now: time.Now}
}

// SetClock overrides the completion clock.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Add creates a personal task.
func (s *Service) Add(ctx context.Context, req AddRequest) (*models.Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", models.ErrInvalid)
	}
	t, err := s.store.InsertTask(ctx, &models.Task{
		Source:      models.TaskSourcePersonal,
		Title:       title,
		Description: req.Description,
		Status:      req.Status,
		Labels:      req.Labels,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("task added", "task_id", t.ID, "title", t.Title)
	return t, nil
}

// Edit changes an active task. Title and description belong to the issue
// for external tasks and cannot be edited locally.
func (s *Service) Edit(ctx context.Context, id string, req EditRequest) (*models.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.IsCompleted() {
		return nil, fmt.Errorf("%w: task %s is completed; reopen it first", models.ErrInvalid, id)
	}
	if (req.Title != nil || req.Description != nil) && !t.Editable() {
		return nil, fmt.Errorf("%w: title and description of external task %s are read-only", models.ErrInvalid, id)
	}

	if req.Title != nil {
		t.Title = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		t.Description = *req.Description
	}
	if req.Status != nil {
		t.Status = *req.Status
	}
	if req.Labels != nil {
		t.Labels = *req.Labels
	}
	updated, err := s.store.UpdateTask(ctx, t)
	if err != nil {
		return nil, err
	}
	s.log.Info("task edited", "task_id", id)
	return updated, nil
}

// Complete marks a task completed. Completing a completed task is a no-op.
func (s *Service) Complete(ctx context.Context, id string) (*models.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.IsCompleted() {
		return t, nil
	}
	now := s.now().UTC()
	t.CompletedAt = &now
	if t.Status != "" {
		t.Status = models.TaskStatusDone
	}
	updated, err := s.store.UpdateTask(ctx, t)
	if err != nil {
		return nil, err
	}
	s.log.Info("task completed", "task_id", id)
	return updated, nil
}

// Reopen clears the completion of a task.
func (s *Service) Reopen(ctx context.Context, id string) (*models.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsCompleted() {
		return t, nil
	}
	t.CompletedAt = nil
	if t.Status == models.TaskStatusDone {
		t.Status = models.TaskStatusTodo
	}
	updated, err := s.store.UpdateTask(ctx, t)
	if err != nil {
		return nil, err
	}
	s.log.Info("task reopened", "task_id", id)
	return updated, nil
}

// Delete removes a task; sync will not bring it back. Deleting a task that
// is already gone succeeds.
func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.store.DeleteTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		s.log.Debug("task already deleted", "task_id", id)
		return nil
	}
	if err != nil {
		return err
	}
	s.log.Info("task deleted", "task_id", id)
	return nil
}

// Resolve finds a task by full id or by a unique id prefix.
func (s *Service) Resolve(ctx context.Context, ref string) (*models.Task, error) {
	if ref == "" {
		return nil, fmt.Errorf("task id is required: %w", store.ErrNotFound)
	}
	if t, err := s.store.GetTask(ctx, ref); err == nil {
		return t, nil
	}
	all, err := s.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return nil, err
	}
	var match *models.Task
	for _, t := range all {
		if strings.HasPrefix(strings.ToLower(t.ID), strings.ToLower(ref)) {
			if match != nil {
				return nil, fmt.Errorf("task id prefix %q is ambiguous", ref)
			}
			match = t
		}
	}
	if match == nil {
		return nil, fmt.Errorf("task %s: %w", ref, store.ErrNotFound)
	}
	return match, nil
}
