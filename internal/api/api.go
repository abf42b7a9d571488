package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joescharf/daybook/internal/metrics"
	"github.com/joescharf/daybook/internal/models"
	"github.com/joescharf/daybook/internal/remote"
	"github.com/joescharf/daybook/internal/store"
	daysync "github.com/joescharf/daybook/internal/sync"
	"github.com/joescharf/daybook/internal/tasks"
	"github.com/joescharf/daybook/internal/timer"
)

// Server provides the REST API handlers.
type Server struct {
	store   store.Store
	tasks   *tasks.Service
	timer   *timer.Manager
	sync    *daysync.Engine
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewServer creates a new API server. engine and m may be nil.
func NewServer(s store.Store, engine *daysync.Engine, m *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		store:   s,
		tasks:   tasks.NewService(s, log),
		timer:   timer.NewManager(s),
		sync:    engine,
		metrics: m,
		log:     log,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/tasks", s.listTasks)
	mux.HandleFunc("POST /api/v1/tasks", s.createTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.getTask)
	mux.HandleFunc("PATCH /api/v1/tasks/{id}", s.updateTask)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", s.deleteTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/complete", s.completeTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/reopen", s.reopenTask)

	mux.HandleFunc("GET /api/v1/customers", s.listCustomers)
	mux.HandleFunc("POST /api/v1/customers", s.createCustomer)

	mux.HandleFunc("GET /api/v1/time-entries", s.listTimeEntries)

	mux.HandleFunc("GET /api/v1/wiki", s.listWiki)
	mux.HandleFunc("GET /api/v1/wiki/{id}", s.getWiki)

	mux.HandleFunc("GET /api/v1/timer", s.timerStatus)
	mux.HandleFunc("POST /api/v1/timer/start", s.timerStart)
	mux.HandleFunc("POST /api/v1/timer/pause", s.timerPause)
	mux.HandleFunc("POST /api/v1/timer/resume", s.timerResume)
	mux.HandleFunc("POST /api/v1/timer/stop", s.timerStop)

	mux.HandleFunc("GET /api/v1/sync/status", s.syncStatus)
	mux.HandleFunc("POST /api/v1/sync", s.syncAll)
	mux.HandleFunc("POST /api/v1/sync/{collection}", s.syncCollection)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return corsMiddleware(s.metrics.Middleware(routePattern, mux))
}

func routePattern(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	return r.Pattern
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps domain errors onto HTTP status codes.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, timer.ErrAlreadyRunning), errors.Is(err, timer.ErrNotRunning),
		errors.Is(err, timer.ErrInvalidTransition), errors.Is(err, daysync.ErrSyncInProgress):
		status = http.StatusConflict
	case errors.Is(err, remote.ErrNotConfigured):
		status = http.StatusPreconditionFailed
	case errors.Is(err, remote.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, remote.ErrUnavailable), errors.Is(err, remote.ErrConflict):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// --- Tasks ---

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		State:  store.TaskState(q.Get("state")),
		Source: models.TaskSource(q.Get("source")),
		Label:  q.Get("label"),
	}
	list, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type taskRequest struct {
	Title       *string            `json:"title"`
	Description *string            `json:"description"`
	Status      *models.TaskStatus `json:"status"`
	Labels      *[]string          `json:"labels"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	add := tasks.AddRequest{}
	if req.Title != nil {
		add.Title = *req.Title
	}
	if req.Description != nil {
		add.Description = *req.Description
	}
	if req.Status != nil {
		add.Status = *req.Status
	}
	if req.Labels != nil {
		add.Labels = *req.Labels
	}
	t, err := s.tasks.Add(r.Context(), add)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := s.tasks.Edit(r.Context(), r.PathValue("id"), tasks.EditRequest{
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
		Labels:      req.Labels,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Complete(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) reopenTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Reopen(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Customers ---

func (s *Server) listCustomers(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("archived") == "true"
	list, err := s.store.ListCustomers(r.Context(), store.CustomerFilter{IncludeArchived: all})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) createCustomer(w http.ResponseWriter, r *http.Request) {
	var c models.Customer
	if !decodeBody(w, r, &c) {
		return
	}
	c.ID = ""
	created, err := s.store.InsertCustomer(r.Context(), &c)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// --- Time entries ---

func (s *Server) listTimeEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TimeEntryFilter{CustomerID: q.Get("customer")}
	for key, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := parseDay(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+key+": "+err.Error())
			return
		}
		*dst = &t
	}
	list, err := s.store.ListTimeEntries(r.Context(), filter)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// parseDay accepts RFC 3339 timestamps or plain YYYY-MM-DD dates (UTC).
func parseDay(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}

// --- Wiki ---

func (s *Server) listWiki(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.SearchWiki(r.Context(), strings.TrimSpace(r.URL.Query().Get("q")))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getWiki(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, err := s.store.GetWikiEntry(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) && models.ValidWikiFilename(id) {
		entry, err = s.store.GetWikiEntryByFilename(r.Context(), id)
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// --- Timer ---

type timerResponse struct {
	State          timer.State         `json:"state"`
	Session        *models.ActiveTimer `json:"session,omitempty"`
	ElapsedSeconds int64               `json:"elapsed_seconds"`
}

func (s *Server) writeTimer(w http.ResponseWriter, r *http.Request) {
	st, err := s.timer.Status(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, timerResponse{
		State:          st.State,
		Session:        st.Session,
		ElapsedSeconds: int64(st.Elapsed / time.Second),
	})
}

func (s *Server) timerStatus(w http.ResponseWriter, r *http.Request) {
	s.writeTimer(w, r)
}

func (s *Server) timerStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID string `json:"customer_id"`
		Project    string `json:"project"`
		Note       string `json:"note"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := s.timer.Start(r.Context(), req.CustomerID, req.Project, req.Note); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeTimer(w, r)
}

func (s *Server) timerPause(w http.ResponseWriter, r *http.Request) {
	if _, err := s.timer.Pause(r.Context()); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeTimer(w, r)
}

func (s *Server) timerResume(w http.ResponseWriter, r *http.Request) {
	if _, err := s.timer.Resume(r.Context()); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeTimer(w, r)
}

func (s *Server) timerStop(w http.ResponseWriter, r *http.Request) {
	entry, err := s.timer.Stop(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// --- Sync ---

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeJSON(w, http.StatusOK, []daysync.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.sync.Statuses())
}

// syncResponse reports results; a partial failure still returns 200 with
// the per-collection errors so clients can tell committed runs apart.
type syncResponse struct {
	Results []*daysync.Result `json:"results"`
	Error   string            `json:"error,omitempty"`
}

func (s *Server) syncAll(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		s.writeErr(w, remote.ErrNotConfigured)
		return
	}
	results, err := s.sync.SyncAll(r.Context())
	s.writeSync(w, results, err)
}

func (s *Server) syncCollection(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		s.writeErr(w, remote.ErrNotConfigured)
		return
	}
	c, err := models.ParseCollection(r.PathValue("collection"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	res, err := s.sync.Sync(r.Context(), c)
	var results []*daysync.Result
	if res != nil {
		results = append(results, res)
	}
	s.writeSync(w, results, err)
}

func (s *Server) writeSync(w http.ResponseWriter, results []*daysync.Result, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, syncResponse{Results: results})
		return
	}
	committed := false
	for _, res := range results {
		committed = committed || res.LocalCommitted
	}
	if !committed {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{Results: results, Error: err.Error()})
}
