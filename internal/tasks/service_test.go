package tasks

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/daybook/internal/models"
	"github.com/joescharf/daybook/internal/store"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "daybook.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	s.SetClock(func() time.Time { return testNow })
	t.Cleanup(func() { s.Close() })

	svc := NewService(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.SetClock(func() time.Time { return testNow })
	return svc, s
}

func strPtr(s string) *string { return &s }

func TestService_AddRequiresTitle(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Add(context.Background(), AddRequest{Title: "   "})
	assert.ErrorIs(t, err, models.ErrInvalid)
}

func TestService_Lifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Add(ctx, AddRequest{Title: " Write report ", Status: models.TaskStatusTodo})
	require.NoError(t, err)
	assert.Equal(t, "Write report", task.Title)
	assert.Equal(t, models.TaskSourcePersonal, task.Source)

	edited, err := svc.Edit(ctx, task.ID, EditRequest{Description: strPtr("Q1 numbers")})
	require.NoError(t, err)
	assert.Equal(t, "Q1 numbers", edited.Description)
	assert.Equal(t, "Write report", edited.Title)

	done, err := svc.Complete(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, models.TaskStatusDone, done.Status)

	_, err = svc.Edit(ctx, task.ID, EditRequest{Title: strPtr("nope")})
	assert.ErrorIs(t, err, models.ErrInvalid)

	again, err := svc.Complete(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, done.CompletedAt, again.CompletedAt)

	reopened, err := svc.Reopen(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, reopened.CompletedAt)
	assert.Equal(t, models.TaskStatusTodo, reopened.Status)
	require.NotNil(t, reopened.UpdatedAt)

	require.NoError(t, svc.Delete(ctx, task.ID))
	_, err = svc.Resolve(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, svc.Delete(ctx, task.ID), "deleting twice is a no-op")
}

func TestService_ExternalTaskReadOnlyText(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	ext, err := s.InsertTask(ctx, &models.Task{
		ID:       models.ExternalTaskID("acme", "api", 3),
		Source:   models.TaskSourceExternalIssue,
		Title:    "Bug",
		External: &models.ExternalRef{Owner: "acme", Repo: "api", Number: 3, State: "OPEN"},
	})
	require.NoError(t, err)

	_, err = svc.Edit(ctx, ext.ID, EditRequest{Title: strPtr("Renamed")})
	assert.ErrorIs(t, err, models.ErrInvalid)

	labels := []string{"urgent"}
	updated, err := svc.Edit(ctx, ext.ID, EditRequest{Labels: &labels})
	require.NoError(t, err)
	assert.Equal(t, labels, updated.Labels)
}

func TestService_Resolve(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	_, err := s.InsertTask(ctx, &models.Task{ID: "01HAAA", Title: "a"})
	require.NoError(t, err)
	_, err = s.InsertTask(ctx, &models.Task{ID: "01HABB", Title: "b"})
	require.NoError(t, err)

	got, err := svc.Resolve(ctx, "01haa")
	require.NoError(t, err)
	assert.Equal(t, "01HAAA", got.ID)

	_, err = svc.Resolve(ctx, "01HA")
	assert.ErrorContains(t, err, "ambiguous")

	_, err = svc.Resolve(ctx, "zzz")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.Resolve(ctx, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
