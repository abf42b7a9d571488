package merge

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/daybook/internal/models"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func tp(s string) *time.Time {
	t := ts(s)
	return &t
}

func newTask(id, title string, created time.Time, updated, completed *time.Time) *models.Task {
	return &models.Task{
		ID:          id,
		Source:      models.TaskSourcePersonal,
		Title:       title,
		CreatedAt:   created,
		UpdatedAt:   updated,
		CompletedAt: completed,
	}
}

func ids[T Record](recs []T) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.RecordID()
	}
	return out
}

func pick[T Record](local, remote T) T {
	winner, _ := resolve(local, remote)
	return winner
}

func find[T Record](recs []T, id string) T {
	for _, r := range recs {
		if r.RecordID() == id {
			return r
		}
	}
	var zero T
	return zero
}

// Local never completed T1, remote did: the remote completion is the newer state.
func TestReconcile_RemoteCompletionAdopted(t *testing.T) {
	local := newTask("T1", "Buy milk", ts("2024-01-03T00:00:00Z"), nil, nil)
	remote := newTask("T1", "Buy milk", ts("2023-12-30T00:00:00Z"), tp("2024-01-01T10:00:00Z"), tp("2024-01-01T10:00:00Z"))

	res := Reconcile([]*models.Task{local}, []*models.Task{remote}, Options[*models.Task]{})
	require.Len(t, res.Merged, 1)
	require.NotNil(t, res.Merged[0].CompletedAt)
	assert.Equal(t, ts("2024-01-01T10:00:00Z"), *res.Merged[0].CompletedAt)
	assert.Equal(t, 1, res.RemoteWins)
}

// A local completion survives a newer but uncompleted remote copy.
func TestReconcile_LocalCompletionBeatsNewerRemote(t *testing.T) {
	local := newTask("T2", "Ship", ts("2024-01-01T00:00:00Z"), nil, tp("2024-02-01T00:00:00Z"))
	remote := newTask("T2", "Ship it", ts("2024-01-01T00:00:00Z"), tp("2024-02-02T00:00:00Z"), nil)

	res := Reconcile([]*models.Task{local}, []*models.Task{remote}, Options[*models.Task]{})
	require.Len(t, res.Merged, 1)
	assert.Same(t, local, res.Merged[0])
	assert.Equal(t, ts("2024-02-01T00:00:00Z"), *res.Merged[0].CompletedAt)
}

func TestReopenAfterRemoteCompletion(t *testing.T) {
	completed := tp("2024-01-05T00:00:00Z")
	reopened := newTask("T", "x", ts("2024-01-01T00:00:00Z"), tp("2024-01-06T00:00:00Z"), nil)
	staleEdit := newTask("T", "x", ts("2024-01-01T00:00:00Z"), tp("2024-01-04T00:00:00Z"), nil)
	remote := newTask("T", "x", ts("2024-01-01T00:00:00Z"), completed, completed)

	assert.Same(t, reopened, pick(reopened, remote), "edit after the completion is a deliberate reopen")
	assert.Same(t, remote, pick(staleEdit, remote))
}

func TestRemoteEditAfterCompletionBeatsOlderLocalEdit(t *testing.T) {
	created := ts("2024-03-01T08:00:00Z")
	local := newTask("T", "local edit", created, tp("2024-03-01T15:00:00Z"), nil)
	remote := newTask("T", "remote edit", created, tp("2024-03-01T20:00:00Z"), tp("2024-03-01T10:00:00Z"))

	res := Reconcile([]*models.Task{local}, []*models.Task{remote}, Options[*models.Task]{})
	require.Len(t, res.Merged, 1)
	assert.Equal(t, "remote edit", res.Merged[0].Title)
	require.NotNil(t, res.Merged[0].CompletedAt)
	assert.Equal(t, ts("2024-03-01T10:00:00Z"), *res.Merged[0].CompletedAt)
	assert.Equal(t, 1, res.RemoteWins)

	reopened := newTask("T", "reopened", created, tp("2024-03-01T21:00:00Z"), nil)
	assert.Same(t, reopened, pick(reopened, remote), "a reopen after the last remote change still wins")
}

func TestLastWriterWins(t *testing.T) {
	created := ts("2024-01-01T00:00:00Z")
	older := newTask("T", "old", created, tp("2024-01-02T00:00:00Z"), nil)
	newer := newTask("T", "new", created, tp("2024-01-03T00:00:00Z"), nil)

	assert.Same(t, newer, pick(newer, older), "newer local wins")
	assert.Same(t, newer, pick(older, newer), "newer remote wins")

	tieLocal := newTask("T", "local", created, nil, nil)
	tieRemote := newTask("T", "remote", created, nil, nil)
	assert.Same(t, tieRemote, pick(tieLocal, tieRemote), "ties favour remote")

	doneEarly := newTask("T", "a", created, tp("2024-01-02T00:00:00Z"), tp("2024-01-02T00:00:00Z"))
	doneLate := newTask("T", "b", created, tp("2024-01-04T00:00:00Z"), tp("2024-01-04T00:00:00Z"))
	assert.Same(t, doneLate, pick(doneEarly, doneLate), "both completed falls back to timestamps")
}

func TestReconcile_OneSidedRecordsKept(t *testing.T) {
	created := ts("2024-01-01T00:00:00Z")
	localOnly := newTask("L", "local", created, nil, nil)
	remoteOnly := newTask("R", "remote", created, nil, tp("2024-01-02T00:00:00Z"))

	res := Reconcile([]*models.Task{localOnly}, []*models.Task{remoteOnly}, Options[*models.Task]{})
	assert.Equal(t, []string{"L", "R"}, ids(res.Merged))
	assert.Same(t, localOnly, res.Merged[0])
	assert.Same(t, remoteOnly, res.Merged[1])
	assert.Equal(t, 1, res.Adopted)
}

func TestReconcile_Tombstones(t *testing.T) {
	created := ts("2024-01-01T00:00:00Z")
	stale := newTask("gone", "x", created, nil, nil)
	edited := newTask("revived", "x", created, tp("2024-01-10T00:00:00Z"), nil)

	res := Reconcile(nil, []*models.Task{stale, edited}, Options[*models.Task]{
		Tombstones: map[string]time.Time{
			"gone":    ts("2024-01-05T00:00:00Z"),
			"revived": ts("2024-01-05T00:00:00Z"),
		},
	})
	assert.Equal(t, []string{"revived"}, ids(res.Merged), "remote edit newer than the delete survives")
	assert.Equal(t, 1, res.Buried)
}

func TestReconcile_DropsInvalid(t *testing.T) {
	created := ts("2024-01-01T00:00:00Z")
	good := newTask("ok", "fine", created, nil, nil)
	bad := newTask("bad", "", created, nil, nil)

	res := Reconcile([]*models.Task{good}, []*models.Task{bad}, Options[*models.Task]{})
	assert.Equal(t, []string{"ok"}, ids(res.Merged))
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, Dropped{ID: "bad", Side: Remote, Err: res.Dropped[0].Err}, res.Dropped[0])
	assert.ErrorIs(t, res.Dropped[0].Err, models.ErrInvalid)
}

func TestReconcile_DuplicateIDsCollapse(t *testing.T) {
	created := ts("2024-01-01T00:00:00Z")
	a := newTask("T", "first", created, nil, nil)
	b := newTask("T", "second", created, tp("2024-01-02T00:00:00Z"), nil)

	res := Reconcile([]*models.Task{a, b}, nil, Options[*models.Task]{})
	require.Len(t, res.Merged, 1)
	assert.Equal(t, "second", res.Merged[0].Title)
}

func TestCombineTimeEntries(t *testing.T) {
	start := ts("2024-01-01T09:00:00Z")
	stale := 5
	local := &models.TimeEntry{ID: "e", CustomerID: "c", Start: start, End: tp("2024-01-01T10:00:00Z"), DurationMinutes: &stale, CreatedAt: start, UpdatedAt: tp("2024-01-02T00:00:00Z")}
	remote := &models.TimeEntry{ID: "e", CustomerID: "c", Start: start, End: tp("2024-01-01T11:30:00Z"), CreatedAt: start}

	res := Reconcile([]*models.TimeEntry{local}, []*models.TimeEntry{remote}, Options[*models.TimeEntry]{Combine: CombineTimeEntries})
	require.Len(t, res.Merged, 1)
	require.NotNil(t, res.Merged[0].DurationMinutes)
	assert.Equal(t, 60, *res.Merged[0].DurationMinutes)
	assert.Equal(t, 5, *local.DurationMinutes, "inputs untouched")

	paused := 50
	same := local.Clone()
	same.DurationMinutes = &paused
	res = Reconcile([]*models.TimeEntry{same}, []*models.TimeEntry{same.Clone()}, Options[*models.TimeEntry]{Combine: CombineTimeEntries})
	assert.Equal(t, 50, *res.Merged[0].DurationMinutes, "unchanged span keeps its duration")
}

func TestCombineWiki_KeepsLastSynced(t *testing.T) {
	synced := ts("2024-01-02T00:00:00Z")
	local := &models.WikiEntry{ID: "w", Filename: "2024-01-01-a.md", CreatedAt: ts("2024-01-01T00:00:00Z"), UpdatedAt: ts("2024-01-01T00:00:00Z"), LastSyncedAt: &synced}
	remote := &models.WikiEntry{ID: "w", Filename: "2024-01-01-a.md", Content: "# A\n", CreatedAt: ts("2024-01-01T00:00:00Z"), UpdatedAt: ts("2024-01-03T00:00:00Z")}

	got := CombineWiki(local, remote, remote)
	assert.Equal(t, "# A\n", got.Content)
	require.NotNil(t, got.LastSyncedAt)
	assert.Equal(t, synced, *got.LastSyncedAt)
	assert.Nil(t, remote.LastSyncedAt)
}

func TestDirtyPartitions(t *testing.T) {
	fetched := map[string][]byte{
		"a.json":     []byte("[1]\n"),
		"b.json":     []byte("[2]\n"),
		"gone.json":  []byte("[3]\n"),
		"other.json": []byte("[4]\n"),
	}
	encoded := map[string][]byte{
		"a.json":    []byte("[1]\n"),
		"b.json":    []byte("[2, 5]\n"),
		"gone.json": nil,
		"new.json":  []byte("[6]\n"),
		"none.json": nil,
	}
	changes := DirtyPartitions(fetched, encoded)
	assert.Equal(t, []Change{
		{Path: "b.json", Content: []byte("[2, 5]\n")},
		{Path: "gone.json", Delete: true},
		{Path: "new.json", Content: []byte("[6]\n")},
	}, changes)

	assert.Empty(t, DirtyPartitions(fetched, map[string][]byte{"a.json": []byte("[1]\n")}))
}

// --- properties over random snapshots ---

func randomTasks(r *rand.Rand, n int, prefix string) []*models.Task {
	base := ts("2024-01-01T00:00:00Z")
	var out []*models.Task
	for i := 0; i < n; i++ {
		created := base.Add(time.Duration(r.Intn(48)) * time.Hour)
		t := newTask(fmt.Sprintf("%s%d", prefix, r.Intn(n*2)), "t", created, nil, nil)
		if r.Intn(2) == 0 {
			u := created.Add(time.Duration(r.Intn(48)) * time.Hour)
			t.UpdatedAt = &u
		}
		if r.Intn(3) == 0 {
			c := created.Add(time.Duration(r.Intn(48)) * time.Hour)
			t.CompletedAt = &c
		}
		out = append(out, t)
	}
	return out
}

func TestProperty_Idempotent(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		local := randomTasks(r, 8, "T")
		remote := randomTasks(r, 8, "T")
		m := Reconcile(local, remote, Options[*models.Task]{}).Merged
		again := Reconcile(m, m, Options[*models.Task]{}).Merged
		require.Equal(t, m, again)
	}
}

func TestProperty_CompletionWins(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 200; i++ {
		created := ts("2024-01-01T00:00:00Z")
		done := created.Add(time.Duration(r.Intn(100)) * time.Hour)
		updated := created.Add(time.Duration(r.Intn(500)) * time.Hour)
		local := newTask("T", "t", created, nil, &done)
		remote := newTask("T", "t", created, &updated, nil)

		res := Reconcile([]*models.Task{local}, []*models.Task{remote}, Options[*models.Task]{})
		require.Len(t, res.Merged, 1)
		require.NotNil(t, res.Merged[0].CompletedAt)
		require.Equal(t, done, *res.Merged[0].CompletedAt)
	}
}

func TestProperty_OneSidedUnchanged(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for i := 0; i < 100; i++ {
		local := randomTasks(r, 6, "L")
		remote := randomTasks(r, 6, "R")
		merged := Reconcile(local, remote, Options[*models.Task]{}).Merged

		lastLocal := map[string]*models.Task{}
		for _, l := range local {
			lastLocal[l.ID] = l
		}
		for id, l := range lastLocal {
			assert.Same(t, l, find(merged, id))
		}
		for _, rt := range remote {
			got := find(merged, rt.ID)
			require.NotNil(t, got)
			assert.Equal(t, rt.ID, got.ID)
		}
	}
}

func TestProperty_DurationFollowsSpan(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	base := ts("2024-01-01T08:00:00Z")
	for i := 0; i < 200; i++ {
		mk := func() *models.TimeEntry {
			start := base.Add(time.Duration(r.Intn(120)) * time.Minute)
			end := start.Add(time.Duration(r.Intn(600)) * time.Second * 30)
			d := r.Intn(1000)
			return &models.TimeEntry{ID: "e", CustomerID: "c", Start: start, End: &end, DurationMinutes: &d, CreatedAt: base}
		}
		local, remote := mk(), mk()
		res := Reconcile([]*models.TimeEntry{local}, []*models.TimeEntry{remote}, Options[*models.TimeEntry]{Combine: CombineTimeEntries})
		m := res.Merged[0]
		if local.Start.Equal(remote.Start) && local.End.Equal(*remote.End) {
			continue
		}
		require.Equal(t, models.SpanMinutes(m.End.Sub(m.Start)), *m.DurationMinutes)
	}
}
