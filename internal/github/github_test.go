package github

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/daybook/internal/models"
	"github.com/joescharf/daybook/internal/store"
)

const issuesJSON = `[
  {"number": 12, "title": "Crash on start", "body": "stack trace", "state": "OPEN",
   "labels": [{"name": "bug"}], "url": "https://github.com/acme/api/issues/12",
   "createdAt": "2024-03-01T10:00:00Z", "closedAt": null},
  {"number": 9, "title": "Docs", "body": "", "state": "CLOSED", "labels": [],
   "url": "https://github.com/acme/api/issues/9",
   "createdAt": "2024-02-01T10:00:00Z", "closedAt": "2024-02-03T08:00:00Z"}
]`

func TestCLI_ListIssues(t *testing.T) {
	var gotArgs []string
	c := &CLI{Run: func(_ context.Context, args ...string) (string, error) {
		gotArgs = args
		return issuesJSON, nil
	}}

	issues, err := c.ListIssues(context.Background(), "acme", "api", 0)
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Contains(t, strings.Join(gotArgs, " "), "--repo acme/api")
	assert.Contains(t, strings.Join(gotArgs, " "), "--limit 100")

	assert.Equal(t, 12, issues[0].Number)
	assert.Equal(t, []string{"bug"}, issues[0].Labels)
	assert.False(t, issues[0].IsClosed())
	assert.Nil(t, issues[0].ClosedAt)

	assert.True(t, issues[1].IsClosed())
	require.NotNil(t, issues[1].ClosedAt)
	assert.Nil(t, issues[1].Labels)
}

func TestCLI_ListIssuesError(t *testing.T) {
	c := &CLI{Run: func(context.Context, ...string) (string, error) {
		return "", errors.New("gh issue list: not logged in")
	}}
	_, err := c.ListIssues(context.Background(), "acme", "api", 10)
	assert.ErrorContains(t, err, "not logged in")
}

func TestCLI_CreateIssue(t *testing.T) {
	var calls [][]string
	c := &CLI{Run: func(_ context.Context, args ...string) (string, error) {
		calls = append(calls, args)
		if args[1] == "create" {
			return "Creating issue in acme/api\n\nhttps://github.com/acme/api/issues/42", nil
		}
		return `{"number": 42, "title": "Ship it", "body": "", "state": "OPEN", "labels": [{"name": "ops"}],
			"url": "https://github.com/acme/api/issues/42", "createdAt": "2024-03-10T12:00:00Z"}`, nil
	}}

	is, err := c.CreateIssue(context.Background(), "acme", "api", "Ship it", "", []string{"ops"})
	require.NoError(t, err)
	assert.Equal(t, 42, is.Number)
	assert.Equal(t, []string{"ops"}, is.Labels)
	require.Len(t, calls, 2)
	assert.Contains(t, strings.Join(calls[0], " "), "--label ops")
	assert.Equal(t, []string{"issue", "view", "42"}, calls[1][:3])
}

func TestIssueNumber(t *testing.T) {
	n, err := issueNumber("https://github.com/acme/api/issues/7")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = issueNumber("something went wrong")
	assert.Error(t, err)
}

func TestParseRepo(t *testing.T) {
	tests := []struct {
		in, owner, repo string
		wantErr         bool
	}{
		{in: "acme/api", owner: "acme", repo: "api"},
		{in: "git@github.com:acme/api.git", owner: "acme", repo: "api"},
		{in: "https://github.com/acme/api.git", owner: "acme", repo: "api"},
		{in: "https://github.com/acme/api", owner: "acme", repo: "api"},
		{in: "not-a-repo", wantErr: true},
		{in: "a/b/c", wantErr: true},
		{in: "/api", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			owner, repo, err := ParseRepo(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.owner, owner)
			assert.Equal(t, tt.repo, repo)
		})
	}
}

// fakeClient serves a fixed issue list and records created issues.
type fakeClient struct {
	issues  []Issue
	created []string
}

func (f *fakeClient) ListIssues(context.Context, string, string, int) ([]Issue, error) {
	return f.issues, nil
}

func (f *fakeClient) CreateIssue(_ context.Context, owner, repo, title, body string, labels []string) (*Issue, error) {
	f.created = append(f.created, title)
	return &Issue{
		Number: 100 + len(f.created), Title: title, Body: body, State: "OPEN", Labels: labels,
		URL: "https://github.com/" + owner + "/" + repo + "/issues/101",
	}, nil
}

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "daybook.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	s.SetClock(func() time.Time { return testNow })
	t.Cleanup(func() { s.Close() })
	return s
}

func TestImportIssues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	closed := time.Date(2024, 2, 3, 8, 0, 0, 0, time.UTC)
	fc := &fakeClient{issues: []Issue{
		{Number: 12, Title: "Crash", State: "OPEN", Labels: []string{"bug"}, CreatedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{Number: 9, Title: "Docs", State: "CLOSED", CreatedAt: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), ClosedAt: &closed},
	}}

	res, err := ImportIssues(ctx, s, fc, "acme", "api", 0)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Created: 2}, res)

	crash, err := s.GetTask(ctx, "gh-acme-api-12")
	require.NoError(t, err)
	assert.Equal(t, models.TaskSourceExternalIssue, crash.Source)
	assert.Nil(t, crash.CompletedAt)

	docs, err := s.GetTask(ctx, "gh-acme-api-9")
	require.NoError(t, err)
	require.NotNil(t, docs.CompletedAt)
	assert.True(t, closed.Equal(*docs.CompletedAt))

	// Re-import is a no-op until the issue changes upstream.
	res, err = ImportIssues(ctx, s, fc, "acme", "api", 0)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Unchanged: 2}, res)

	fc.issues[0].Labels = []string{"bug", "p1"}
	res, err = ImportIssues(ctx, s, fc, "acme", "api", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	crash, err = s.GetTask(ctx, "gh-acme-api-12")
	require.NoError(t, err)
	assert.Equal(t, []string{"bug", "p1"}, crash.Labels)
}

func TestConvertTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fc := &fakeClient{}

	personal, err := s.InsertTask(ctx, &models.Task{Title: "Upgrade Go", Description: "to 1.24"})
	require.NoError(t, err)

	ext, err := ConvertTask(ctx, s, fc, personal.ID, "acme", "api")
	require.NoError(t, err)
	assert.Equal(t, "gh-acme-api-101", ext.ID)
	assert.Equal(t, models.TaskSourceExternalIssue, ext.Source)
	assert.Equal(t, []string{"Upgrade Go"}, fc.created)

	_, err = s.GetTask(ctx, personal.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	stones, err := s.ListTombstones(ctx, models.CollectionTasks)
	require.NoError(t, err)
	require.Len(t, stones, 1)
	assert.Equal(t, personal.ID, stones[0].ID)

	_, err = ConvertTask(ctx, s, fc, ext.ID, "acme", "api")
	assert.ErrorIs(t, err, models.ErrInvalid)
}
