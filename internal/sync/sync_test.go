package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/daybook/internal/codec"
	"github.com/joescharf/daybook/internal/metrics"
	"github.com/joescharf/daybook/internal/models"
	"github.com/joescharf/daybook/internal/remote"
	"github.com/joescharf/daybook/internal/store"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store     *store.SQLiteStore
	mem       *remote.Memory
	engine    *Engine
	factories int
}

func newFixture(t *testing.T, configured bool, opts ...Option) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "daybook.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	s.SetClock(func() time.Time { return testNow })
	t.Cleanup(func() { s.Close() })

	if configured {
		require.NoError(t, s.SetSyncTarget(context.Background(),
			models.SyncTarget{Owner: "me", Repo: "notes", Branch: "main"}))
	}

	f := &fixture{store: s, mem: remote.NewMemory()}
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(metrics.New()),
		WithClock(func() time.Time { return testNow.Add(time.Hour) }),
	}
	f.engine = New(s, func(ctx context.Context, target models.SyncTarget) (remote.Client, error) {
		f.factories++
		return f.mem, nil
	}, append(base, opts...)...)
	return f
}

func (f *fixture) putTasks(t *testing.T, tasks ...*models.Task) {
	t.Helper()
	files, err := codec.Tasks{}.Encode(tasks, nil, nil)
	require.NoError(t, err)
	for path, data := range files {
		f.mem.Put(path, data)
	}
}

func (f *fixture) remoteTasks(t *testing.T, path string) []*models.Task {
	t.Helper()
	data, ok := f.mem.Get(path)
	require.True(t, ok, "missing %s", path)
	tasks, err := codec.Tasks{}.Decode(path, data)
	require.NoError(t, err)
	return tasks
}

func remoteTask(id, title string) *models.Task {
	return &models.Task{
		ID:        id,
		Source:    models.TaskSourcePersonal,
		Title:     title,
		CreatedAt: testNow.Add(-time.Hour),
	}
}

func TestSync_NotConfigured(t *testing.T) {
	f := newFixture(t, false)

	res, err := f.engine.Sync(context.Background(), models.CollectionTasks)
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrNotConfigured)
	require.NotNil(t, res)
	assert.False(t, res.LocalCommitted)
	assert.Zero(t, f.factories)
}

func TestSync_Unauthenticated(t *testing.T) {
	f := newFixture(t, true)
	f.engine.remote = func(context.Context, models.SyncTarget) (remote.Client, error) {
		return nil, remote.ErrUnauthenticated
	}
	_, err := f.store.InsertTask(context.Background(), &models.Task{Title: "Stay local"})
	require.NoError(t, err)

	res, err := f.engine.Sync(context.Background(), models.CollectionTasks)
	assert.ErrorIs(t, err, remote.ErrUnauthenticated)
	assert.False(t, res.LocalCommitted)
	assert.Empty(t, f.mem.Paths())
}

func TestSync_RoundTrip(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	local, err := f.store.InsertTask(ctx, &models.Task{Title: "Local task"})
	require.NoError(t, err)
	f.putTasks(t, remoteTask("remote-1", "Remote task"))

	res, err := f.engine.Sync(ctx, models.CollectionTasks)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.LocalCommitted)
	assert.True(t, res.LocalChanged)
	assert.Equal(t, 2, res.Records)
	assert.Equal(t, 1, res.Adopted)
	assert.Equal(t, []string{codec.ActiveTasksPath}, res.Written)
	assert.NotEmpty(t, res.RunID)

	tasks, err := f.store.ListTasks(ctx, store.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	pushed := f.remoteTasks(t, codec.ActiveTasksPath)
	ids := []string{pushed[0].ID, pushed[1].ID}
	assert.ElementsMatch(t, []string{local.ID, "remote-1"}, ids)

	st := f.engine.Statuses()
	for _, s := range st {
		if s.Collection == models.CollectionTasks {
			assert.Equal(t, StateIdle, s.State)
			require.NotNil(t, s.LastSync)
			assert.Equal(t, 1, s.DirtyWritten)
		}
	}
}

func TestSync_SecondRunIsQuiet(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.store.InsertTask(ctx, &models.Task{Title: "Local task", Labels: []string{"home"}})
	require.NoError(t, err)
	f.putTasks(t, remoteTask("remote-1", "Remote task"))

	_, err = f.engine.Sync(ctx, models.CollectionTasks)
	require.NoError(t, err)
	f.mem.ResetWritten()
	reads := f.mem.Calls(remote.OpRead)

	res, err := f.engine.Sync(ctx, models.CollectionTasks)
	require.NoError(t, err)
	assert.Empty(t, res.Written)
	assert.Empty(t, res.Deleted)
	assert.False(t, res.LocalChanged)
	assert.Empty(t, f.mem.Written())
	assert.Equal(t, reads, f.mem.Calls(remote.OpRead), "unchanged partitions come from the cache")
}

func TestSync_RemoteFailureKeepsLocalCommit(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.store.InsertTask(ctx, &models.Task{Title: "Local task"})
	require.NoError(t, err)
	f.putTasks(t, remoteTask("remote-1", "Remote task"))
	f.mem.Fail(remote.OpWrite, fmt.Errorf("github down: %w", remote.ErrUnavailable))

	res, err := f.engine.Sync(ctx, models.CollectionTasks)
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrUnavailable)
	assert.True(t, res.LocalCommitted)

	tasks, err := f.store.ListTasks(ctx, store.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 2, "adopted record survives the failed push")

	var st Status
	for _, s := range f.engine.Statuses() {
		if s.Collection == models.CollectionTasks {
			st = s
		}
	}
	assert.Equal(t, StateFailed, st.State)
	assert.NotEmpty(t, st.LastError)

	f.mem.Fail(remote.OpWrite, nil)
	res, err = f.engine.Sync(ctx, models.CollectionTasks)
	require.NoError(t, err)
	assert.Equal(t, []string{codec.ActiveTasksPath}, res.Written)
	assert.Len(t, f.remoteTasks(t, codec.ActiveTasksPath), 2)
}

func TestSync_ConflictRetry(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.store.InsertTask(ctx, &models.Task{Title: "Local task"})
	require.NoError(t, err)
	f.mem.FailOnce(remote.OpWrite, fmt.Errorf("sha mismatch: %w", remote.ErrConflict))

	res, err := f.engine.Sync(ctx, models.CollectionTasks)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []string{codec.ActiveTasksPath}, res.Written)
}

func TestSync_ConflictWithoutRetries(t *testing.T) {
	f := newFixture(t, true, WithConflictRetries(0))
	ctx := context.Background()

	_, err := f.store.InsertTask(ctx, &models.Task{Title: "Local task"})
	require.NoError(t, err)
	f.mem.FailOnce(remote.OpWrite, fmt.Errorf("sha mismatch: %w", remote.ErrConflict))

	res, err := f.engine.Sync(ctx, models.CollectionTasks)
	assert.ErrorIs(t, err, remote.ErrConflict)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.LocalCommitted)
}

func TestSync_InProgress(t *testing.T) {
	f := newFixture(t, true)
	require.True(t, f.engine.acquire(models.CollectionTasks))

	res, err := f.engine.Sync(context.Background(), models.CollectionTasks)
	assert.ErrorIs(t, err, ErrSyncInProgress)
	assert.Nil(t, res)

	// Other collections are not blocked.
	_, err = f.engine.Sync(context.Background(), models.CollectionCustomers)
	assert.NoError(t, err)

	f.engine.release(models.CollectionTasks)
	_, err = f.engine.Sync(context.Background(), models.CollectionTasks)
	assert.NoError(t, err)
}

func TestSync_TombstoneNotResurrected(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	task, err := f.store.InsertTask(ctx, &models.Task{Title: "Short lived"})
	require.NoError(t, err)
	_, err = f.engine.Sync(ctx, models.CollectionTasks)
	require.NoError(t, err)
	require.Len(t, f.remoteTasks(t, codec.ActiveTasksPath), 1)

	require.NoError(t, f.store.DeleteTask(ctx, task.ID))

	res, err := f.engine.Sync(ctx, models.CollectionTasks)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Buried)
	assert.Equal(t, []string{codec.ActiveTasksPath}, res.Deleted)

	tasks, err := f.store.ListTasks(ctx, store.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
	_, ok := f.mem.Get(codec.ActiveTasksPath)
	assert.False(t, ok)

	stones, err := f.store.ListTombstones(ctx, models.CollectionTasks)
	require.NoError(t, err)
	assert.Empty(t, stones, "tombstones are cleared once the deletion is pushed")
}

func TestSync_DecodeErrorTolerated(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	broken := []byte("{not json")
	f.mem.Put("todos/completed/2024-01.json", broken)
	f.putTasks(t, remoteTask("remote-1", "Remote task"))

	res, err := f.engine.Sync(ctx, models.CollectionTasks)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DecodeErrors)
	assert.Empty(t, res.Written)
	assert.Empty(t, res.Deleted)

	tasks, err := f.store.ListTasks(ctx, store.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "remote-1", tasks[0].ID)

	data, ok := f.mem.Get("todos/completed/2024-01.json")
	require.True(t, ok)
	assert.Equal(t, broken, data)
}

func TestSync_MalformedPartitionNeverOverwritten(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	truncated := []byte(`[{"id": "precious", "source": "personal", "title": "keep me"`)
	f.mem.Put(codec.ActiveTasksPath, truncated)
	local, err := f.store.InsertTask(ctx, &models.Task{Title: "Local task"})
	require.NoError(t, err)

	res, err := f.engine.Sync(ctx, models.CollectionTasks)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DecodeErrors)
	assert.Empty(t, res.Written)
	assert.Equal(t, []string{codec.ActiveTasksPath}, res.Withheld)

	data, ok := f.mem.Get(codec.ActiveTasksPath)
	require.True(t, ok)
	assert.Equal(t, truncated, data)

	_, err = f.store.GetTask(ctx, local.ID)
	assert.NoError(t, err, "local data is kept while the push is withheld")
}

func TestSync_PartitionWithInvalidRecordNotRewritten(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	content := []byte(`[
  {"id": "bad", "source": "external-issue", "title": "no reference", "created_at": "2024-03-10T10:00:00Z"},
  {"id": "good", "source": "personal", "title": "fine", "created_at": "2024-03-10T10:00:00Z"}
]
`)
	f.mem.Put(codec.ActiveTasksPath, content)
	_, err := f.store.InsertTask(ctx, &models.Task{Title: "Local task"})
	require.NoError(t, err)

	res, err := f.engine.Sync(ctx, models.CollectionTasks)
	require.NoError(t, err)
	assert.Empty(t, res.Written)
	assert.Equal(t, []string{codec.ActiveTasksPath}, res.Withheld)

	data, ok := f.mem.Get(codec.ActiveTasksPath)
	require.True(t, ok)
	assert.Equal(t, content, data, "the unreadable record stays on the remote")

	_, err = f.store.GetTask(ctx, "good")
	assert.NoError(t, err)
}

// racingStore inserts a task right after the first task listing, as an API
// request landing between the sync's read and its local commit would.
type racingStore struct {
	*store.SQLiteStore
	raced    bool
	inserted *models.Task
}

func (r *racingStore) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error) {
	tasks, err := r.SQLiteStore.ListTasks(ctx, filter)
	if err != nil || r.raced {
		return tasks, err
	}
	r.raced = true
	r.inserted, err = r.SQLiteStore.InsertTask(ctx, &models.Task{Title: "arrived mid-sync"})
	return tasks, err
}

func TestSync_ConcurrentLocalWriteSurvives(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	rs := &racingStore{SQLiteStore: f.store}
	engine := New(rs, func(context.Context, models.SyncTarget) (remote.Client, error) { return f.mem, nil },
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return testNow.Add(time.Hour) }))
	f.putTasks(t, remoteTask("remote-1", "Remote task"))

	res, err := engine.Sync(ctx, models.CollectionTasks)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)

	require.NotNil(t, rs.inserted)
	_, err = f.store.GetTask(ctx, rs.inserted.ID)
	require.NoError(t, err)
	_, err = f.store.GetTask(ctx, "remote-1")
	require.NoError(t, err)
	assert.Len(t, f.remoteTasks(t, codec.ActiveTasksPath), 2)
}

func TestDedupeWikiIDs_LocalNoteKeepsID(t *testing.T) {
	created := testNow.Add(-24 * time.Hour)
	original := &models.WikiEntry{ID: "W1", Filename: "2024-03-01-plan.md", Title: "Plan", CreatedAt: created, UpdatedAt: created}
	copied := &models.WikiEntry{ID: "W1", Filename: "2024-02-01-copy.md", Title: "Copy", CreatedAt: created, UpdatedAt: created}
	other := &models.WikiEntry{ID: "W2", Filename: "2024-03-02-other.md", Title: "Other", CreatedAt: created, UpdatedAt: created}

	out := dedupeWikiIDs([]*models.WikiEntry{original, other}, []*models.WikiEntry{copied, original, other})
	require.Len(t, out, 3)
	assert.Equal(t, "2024-02-01-copy", out[0].ID)
	assert.Equal(t, "W1", out[1].ID)
	assert.Equal(t, "W2", out[2].ID)
	assert.Equal(t, "W1", copied.ID, "inputs are not mutated")

	fresh := dedupeWikiIDs(nil, []*models.WikiEntry{copied, original})
	assert.Equal(t, "W1", fresh[0].ID, "without a local owner the first copy keeps the id")
	assert.Equal(t, "2024-03-01-plan", fresh[1].ID)
}

func TestSync_CanceledBeforeFetch(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.engine.Sync(ctx, models.CollectionTasks)
	require.Error(t, err)
	assert.False(t, res.LocalCommitted)
}

func TestSync_WikiMarksSynced(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	entry, err := f.store.InsertWikiEntry(ctx, &models.WikiEntry{Title: "Meeting notes", Content: "Agreed on scope."})
	require.NoError(t, err)
	assert.Nil(t, entry.LastSyncedAt)

	res, err := f.engine.Sync(ctx, models.CollectionWiki)
	require.NoError(t, err)
	assert.Equal(t, []string{codec.WikiPath(entry.Filename)}, res.Written)

	got, err := f.store.GetWikiEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncedAt)
	assert.True(t, got.LastSyncedAt.Equal(testNow.Add(time.Hour)))
	assert.Equal(t, entry.UpdatedAt, got.UpdatedAt)

	res, err = f.engine.Sync(ctx, models.CollectionWiki)
	require.NoError(t, err)
	assert.Empty(t, res.Written)
}

func TestSyncAll(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	cust, err := f.store.InsertCustomer(ctx, &models.Customer{Name: "Acme"})
	require.NoError(t, err)
	end := testNow.Add(-time.Hour)
	entry, err := f.store.InsertTimeEntry(ctx, &models.TimeEntry{
		CustomerID: cust.ID,
		Start:      end.Add(-90 * time.Minute),
		End:        &end,
	})
	require.NoError(t, err)

	results, err := f.engine.SyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, len(models.Collections))
	assert.Contains(t, f.mem.Paths(), codec.CustomersPath)
	assert.Contains(t, f.mem.Paths(), codec.DayPath(entry.Start))
}

func TestSyncAll_JoinsFailures(t *testing.T) {
	f := newFixture(t, true)
	f.mem.Fail(remote.OpList, errors.New("boom"))

	results, err := f.engine.SyncAll(context.Background(), models.CollectionTasks, models.CollectionWiki)
	require.Error(t, err)
	assert.Len(t, results, 2)
	assert.Contains(t, err.Error(), "sync tasks")
	assert.Contains(t, err.Error(), "sync wiki")
}
