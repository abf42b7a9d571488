package models

import (
	"fmt"
	"time"
)

// TaskSource is the provenance of a task.
type TaskSource string

const (
	TaskSourcePersonal      TaskSource = "personal"
	TaskSourceExternalIssue TaskSource = "external-issue"
)

// TaskStatus is an optional workflow hint; completion is tracked by CompletedAt.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusDone       TaskStatus = "done"
)

// ExternalRef points at the issue a task was materialized from.
type ExternalRef struct {
	Owner  string `validate:"required"`
	Repo   string `validate:"required"`
	Number int    `validate:"gt=0"`
	State  string
	URL    string
}

// Task is a unit of work. A task with CompletedAt set is completed, otherwise active.
type Task struct {
	ID          string     `validate:"required"`
	Source      TaskSource `validate:"oneof=personal external-issue"`
	Title       string     `validate:"required"`
	Description string
	Status      TaskStatus
	Labels      []string
	External    *ExternalRef
	CreatedAt   time.Time `validate:"required"`
	UpdatedAt   *time.Time
	CompletedAt *time.Time
}

// IsCompleted reports whether the task is in the completed lifecycle state.
func (t *Task) IsCompleted() bool { return t.CompletedAt != nil }

// Editable reports whether title and description may be changed locally.
func (t *Task) Editable() bool {
	return !t.IsCompleted() && t.Source == TaskSourcePersonal
}

// Validate checks the task invariants.
func (t *Task) Validate() error {
	if err := checkStruct("task", t.ID, t); err != nil {
		return err
	}
	if t.CompletedAt != nil && t.CompletedAt.Before(t.CreatedAt) {
		return invalidf("task %s: completed_at before created_at", t.ID)
	}
	if (t.Source == TaskSourceExternalIssue) != (t.External != nil) {
		return invalidf("task %s: external reference must be present iff source is %s", t.ID, TaskSourceExternalIssue)
	}
	return nil
}

// RecordID implements merge.Record.
func (t *Task) RecordID() string { return t.ID }

// Completion implements merge.Record.
func (t *Task) Completion() *time.Time { return t.CompletedAt }

// ModifiedAt implements merge.Record.
func (t *Task) ModifiedAt() time.Time { return modifiedAt(t.CreatedAt, t.UpdatedAt) }

// EditedAt implements merge.Edited: the last explicit local edit, if any.
func (t *Task) EditedAt() *time.Time { return t.UpdatedAt }

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	c := *t
	c.Labels = append([]string(nil), t.Labels...)
	if t.External != nil {
		ext := *t.External
		c.External = &ext
	}
	c.UpdatedAt = cloneTime(t.UpdatedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return &c
}

// ExternalTaskID is the stable identifier of a task materialized from an issue.
func ExternalTaskID(owner, repo string, number int) string {
	return fmt.Sprintf("gh-%s-%s-%d", owner, repo, number)
}

func modifiedAt(created time.Time, updated *time.Time) time.Time {
	if updated != nil {
		return *updated
	}
	return created
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
