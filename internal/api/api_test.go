package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/daybook/internal/metrics"
	"github.com/joescharf/daybook/internal/models"
	"github.com/joescharf/daybook/internal/remote"
	"github.com/joescharf/daybook/internal/store"
	daysync "github.com/joescharf/daybook/internal/sync"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func setupTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	return NewServer(s, nil, nil, quiet), s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestListTasks_Empty(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv.Router(), "GET", "/api/v1/tasks", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var list []*models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Empty(t, list)
}

func TestTaskLifecycle_API(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	w := do(t, router, "POST", "/api/v1/tasks", `{"title":"Pay invoice","labels":["admin"]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "Pay invoice", created.Title)
	assert.NotEmpty(t, created.ID)

	w = do(t, router, "PATCH", "/api/v1/tasks/"+created.ID, `{"description":"before Friday"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, "POST", "/api/v1/tasks/"+created.ID+"/complete", "")
	require.Equal(t, http.StatusOK, w.Code)
	var done models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &done))
	assert.NotNil(t, done.CompletedAt)

	w = do(t, router, "GET", "/api/v1/tasks?state=completed", "")
	var list []*models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	w = do(t, router, "PATCH", "/api/v1/tasks/"+created.ID, `{"title":"too late"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "POST", "/api/v1/tasks/"+created.ID+"/reopen", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, "DELETE", "/api/v1/tasks/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, router, "DELETE", "/api/v1/tasks/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code, "repeated delete")

	w = do(t, router, "GET", "/api/v1/tasks/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateTask_Validation(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	assert.Equal(t, http.StatusBadRequest, do(t, router, "POST", "/api/v1/tasks", `{"title":""}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, router, "POST", "/api/v1/tasks", `not json`).Code)
}

func TestTimer_API(t *testing.T) {
	srv, s := setupTestServer(t)
	router := srv.Router()

	cust, err := s.InsertCustomer(context.Background(), &models.Customer{Name: "Acme"})
	require.NoError(t, err)

	w := do(t, router, "GET", "/api/v1/timer", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"stopped"`)

	w = do(t, router, "POST", "/api/v1/timer/start", `{"customer_id":"`+cust.ID+`","project":"site"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"running"`)

	w = do(t, router, "POST", "/api/v1/timer/start", `{"customer_id":"`+cust.ID+`"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, "POST", "/api/v1/timer/pause", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"paused"`)

	w = do(t, router, "POST", "/api/v1/timer/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	var entry models.TimeEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entry))
	assert.Equal(t, cust.ID, entry.CustomerID)
	assert.NotNil(t, entry.End)

	w = do(t, router, "POST", "/api/v1/timer/stop", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, "GET", "/api/v1/time-entries?customer="+cust.ID, "")
	var entries []*models.TimeEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	assert.Len(t, entries, 1)
}

func TestTimeEntries_BadRange(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := do(t, srv.Router(), "GET", "/api/v1/time-entries?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCustomersAndWiki_API(t *testing.T) {
	srv, s := setupTestServer(t)
	router := srv.Router()

	w := do(t, router, "POST", "/api/v1/customers", `{"Name":"Globex","Currency":"USD"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	w = do(t, router, "POST", "/api/v1/customers", `{"Name":"Bad","Currency":"DOLLARS"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "GET", "/api/v1/customers", "")
	var customers []*models.Customer
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &customers))
	require.Len(t, customers, 1)
	assert.Equal(t, "Globex", customers[0].Name)

	note, err := s.InsertWikiEntry(context.Background(), &models.WikiEntry{Title: "Kickoff", Content: "Budget approved."})
	require.NoError(t, err)

	w = do(t, router, "GET", "/api/v1/wiki?q=budget", "")
	var found []*models.WikiEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &found))
	require.Len(t, found, 1)

	w = do(t, router, "GET", "/api/v1/wiki/"+note.Filename, "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, router, "GET", "/api/v1/wiki/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSync_NoEngine(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	w := do(t, router, "GET", "/api/v1/sync/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, router, "POST", "/api/v1/sync", "")
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
}

func TestSync_API(t *testing.T) {
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	mem := remote.NewMemory()
	m := metrics.New()
	engine := daysync.New(s, func(context.Context, models.SyncTarget) (remote.Client, error) {
		return mem, nil
	}, daysync.WithLogger(quiet), daysync.WithMetrics(m))
	router := NewServer(s, engine, m, quiet).Router()

	// Not configured yet.
	w := do(t, router, "POST", "/api/v1/sync/tasks", "")
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	require.NoError(t, s.SetSyncTarget(context.Background(), models.SyncTarget{Owner: "me", Repo: "data", Branch: "main"}))
	w = do(t, router, "POST", "/api/v1/tasks", `{"title":"Sync me"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, router, "POST", "/api/v1/sync/todos", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp syncResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, models.CollectionTasks, resp.Results[0].Collection)
	assert.Contains(t, mem.Paths(), "todos/active.json")

	w = do(t, router, "POST", "/api/v1/sync/calendar", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, "GET", "/api/v1/sync/status", "")
	var statuses []daysync.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &statuses))
	assert.Len(t, statuses, len(models.Collections))

	w = do(t, router, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "daybook_sync_runs_total")
	assert.Contains(t, w.Body.String(), `path="POST /api/v1/tasks"`)
}

func TestCORS_Preflight(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := do(t, srv.Router(), "OPTIONS", "/api/v1/tasks", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
