package github

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/joescharf/daybook/internal/models"
	"github.com/joescharf/daybook/internal/store"
)

// TaskStore is the slice of the local store that issue import needs.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	InsertTask(ctx context.Context, t *models.Task) (*models.Task, error)
	UpdateTask(ctx context.Context, t *models.Task) (*models.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// ImportResult counts what an import did.
type ImportResult struct {
	Created   int
	Updated   int
	Unchanged int
}

// TaskFromIssue materializes an external-issue task.
func TaskFromIssue(owner, repo string, is Issue) *models.Task {
	t := &models.Task{
		ID:          models.ExternalTaskID(owner, repo, is.Number),
		Source:      models.TaskSourceExternalIssue,
		Title:       is.Title,
		Description: is.Body,
		Labels:      slices.Clone(is.Labels),
		External: &models.ExternalRef{
			Owner:  owner,
			Repo:   repo,
			Number: is.Number,
			State:  is.State,
			URL:    is.URL,
		},
		CreatedAt: is.CreatedAt.UTC(),
	}
	if is.IsClosed() && is.ClosedAt != nil && !is.ClosedAt.Before(t.CreatedAt) {
		closed := is.ClosedAt.UTC()
		t.CompletedAt = &closed
	}
	return t
}

// ImportIssues materializes every issue of owner/repo as a task. Existing
// tasks get the issue's title, state and labels; an issue closed upstream
// completes its task, but a local completion is never undone.
func ImportIssues(ctx context.Context, s TaskStore, c Client, owner, repo string, limit int) (ImportResult, error) {
	var res ImportResult
	issues, err := c.ListIssues(ctx, owner, repo, limit)
	if err != nil {
		return res, fmt.Errorf("list issues: %w", err)
	}

	for _, is := range issues {
		want := TaskFromIssue(owner, repo, is)
		have, err := s.GetTask(ctx, want.ID)
		if errors.Is(err, store.ErrNotFound) {
			if _, err := s.InsertTask(ctx, want); err != nil {
				return res, fmt.Errorf("import #%d: %w", is.Number, err)
			}
			res.Created++
			continue
		}
		if err != nil {
			return res, err
		}

		next := have.Clone()
		next.Title = want.Title
		next.Labels = want.Labels
		next.External = want.External
		if next.CompletedAt == nil {
			next.CompletedAt = want.CompletedAt
		}
		if sameIssueFields(have, next) {
			res.Unchanged++
			continue
		}
		if _, err := s.UpdateTask(ctx, next); err != nil {
			return res, fmt.Errorf("update #%d: %w", is.Number, err)
		}
		res.Updated++
	}
	return res, nil
}

func sameIssueFields(a, b *models.Task) bool {
	return a.Title == b.Title &&
		slices.Equal(a.Labels, b.Labels) &&
		*a.External == *b.External &&
		(a.CompletedAt == nil) == (b.CompletedAt == nil)
}

// ConvertTask files a personal task as an issue on owner/repo. The personal
// task is deleted (and tombstoned) and replaced by the external-issue task.
func ConvertTask(ctx context.Context, s TaskStore, c Client, id, owner, repo string) (*models.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Source != models.TaskSourcePersonal {
		return nil, fmt.Errorf("%w: task %s is already an external issue", models.ErrInvalid, id)
	}
	if t.IsCompleted() {
		return nil, fmt.Errorf("%w: task %s is completed", models.ErrInvalid, id)
	}

	is, err := c.CreateIssue(ctx, owner, repo, t.Title, t.Description, t.Labels)
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	if is.CreatedAt.IsZero() {
		is.CreatedAt = time.Now().UTC()
	}

	if err := s.DeleteTask(ctx, id); err != nil {
		return nil, err
	}
	return s.InsertTask(ctx, TaskFromIssue(owner, repo, *is))
}
