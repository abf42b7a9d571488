package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/joescharf/daybook/internal/models"
)

const taskColumns = "id, source, title, description, status, labels, external, created_at, updated_at, completed_at"

type taskRow struct {
	ID          string     `db:"id"`
	Source      string     `db:"source"`
	Title       string     `db:"title"`
	Description string     `db:"description"`
	Status      string     `db:"status"`
	Labels      string     `db:"labels"`
	External    *string    `db:"external"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   *time.Time `db:"updated_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

func (r taskRow) toModel() (*models.Task, error) {
	t := &models.Task{
		ID:          r.ID,
		Source:      models.TaskSource(r.Source),
		Title:       r.Title,
		Description: r.Description,
		Status:      models.TaskStatus(r.Status),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   utcPtr(r.UpdatedAt),
		CompletedAt: utcPtr(r.CompletedAt),
	}
	if r.Labels != "" {
		if err := json.Unmarshal([]byte(r.Labels), &t.Labels); err != nil {
			return nil, fmt.Errorf("task %s labels: %w", r.ID, err)
		}
		if len(t.Labels) == 0 {
			t.Labels = nil
		}
	}
	if r.External != nil && *r.External != "" {
		t.External = &models.ExternalRef{}
		if err := json.Unmarshal([]byte(*r.External), t.External); err != nil {
			return nil, fmt.Errorf("task %s external ref: %w", r.ID, err)
		}
	}
	return t, nil
}

func taskArgs(t *models.Task) ([]any, error) {
	labels := t.Labels
	if labels == nil {
		labels = []string{}
	}
	labelsJSON, err := marshalJSON(labels)
	if err != nil {
		return nil, fmt.Errorf("marshal labels: %w", err)
	}
	var external *string
	if t.External != nil {
		ext, err := marshalJSON(t.External)
		if err != nil {
			return nil, fmt.Errorf("marshal external ref: %w", err)
		}
		external = &ext
	}
	return []any{
		t.ID, string(t.Source), t.Title, t.Description, string(t.Status), labelsJSON, external,
		t.CreatedAt.UTC(), utcPtr(t.UpdatedAt), utcPtr(t.CompletedAt),
	}, nil
}

func insertTask(ctx context.Context, tx *sqlx.Tx, t *models.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	var conditions []string
	var args []any

	switch filter.State {
	case TaskStateActive:
		conditions = append(conditions, "completed_at IS NULL")
	case TaskStateCompleted:
		conditions = append(conditions, "completed_at IS NOT NULL")
	}
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, string(filter.Source))
	}
	if filter.Label != "" {
		conditions = append(conditions, "EXISTS (SELECT 1 FROM json_each(tasks.labels) WHERE json_each.value = ?)")
		args = append(args, filter.Label)
	}

	query := "SELECT " + taskColumns + " FROM tasks"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at, id"

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]*models.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var r taskRow
	if err := s.db.GetContext(ctx, &r, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id); err != nil {
		return nil, notFound(err, "task", id)
	}
	return r.toModel()
}

// InsertTask stores a new task, assigning an ID and creation time when unset.
func (s *SQLiteStore) InsertTask(ctx context.Context, t *models.Task) (*models.Task, error) {
	t = t.Clone()
	if t.ID == "" {
		t.ID = newULID()
	}
	if t.Source == "" {
		t.Source = models.TaskSourcePersonal
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertTask(ctx, tx, t); err != nil {
			return err
		}
		return dropTombstone(ctx, tx, models.CollectionTasks, t.ID)
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, t.ID)
}

// UpdateTask overwrites a task and stamps UpdatedAt.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *models.Task) (*models.Task, error) {
	t = t.Clone()
	now := s.now()
	t.UpdatedAt = &now
	if err := t.Validate(); err != nil {
		return nil, err
	}
	args, err := taskArgs(t)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET source = ?, title = ?, description = ?, status = ?, labels = ?, external = ?,
		created_at = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		append(args[1:], t.ID)...)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if err := checkAffected(res, "task", t.ID); err != nil {
		return nil, err
	}
	return s.GetTask(ctx, t.ID)
}

// DeleteTask removes a task and records a tombstone for sync.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete task %s: %w", id, err)
		}
		if err := checkAffected(res, "task", id); err != nil {
			return err
		}
		return addTombstone(ctx, tx, models.CollectionTasks, id, s.now())
	})
}

// ReplaceTasks atomically replaces the whole task collection.
func (s *SQLiteStore) ReplaceTasks(ctx context.Context, expected, tasks []*models.Task) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var rows []taskRow
		if err := tx.SelectContext(ctx, &rows, "SELECT "+taskColumns+" FROM tasks"); err != nil {
			return fmt.Errorf("read tasks: %w", err)
		}
		current := make([]*models.Task, 0, len(rows))
		for _, r := range rows {
			t, err := r.toModel()
			if err != nil {
				return err
			}
			current = append(current, t)
		}
		if err := checkUnchanged("tasks", current, expected); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM tasks"); err != nil {
			return fmt.Errorf("clear tasks: %w", err)
		}
		for _, t := range tasks {
			if err := insertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}
