package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/daybook/internal/models"
	"github.com/joescharf/daybook/internal/store"
	daysync "github.com/joescharf/daybook/internal/sync"
	"github.com/joescharf/daybook/internal/tasks"
	"github.com/joescharf/daybook/internal/timer"
)

// Server wraps the daybook data layer and exposes it as MCP tools.
type Server struct {
	store   store.Store
	tasks   *tasks.Service
	timer   *timer.Manager
	sync    *daysync.Engine
	version string
}

// NewServer creates the MCP server wrapper. engine may be nil when no
// remote is configured; the sync tool then reports that.
func NewServer(s store.Store, engine *daysync.Engine, log *slog.Logger, version string) *Server {
	return &Server{
		store:   s,
		tasks:   tasks.NewService(s, log),
		timer:   timer.NewManager(s),
		sync:    engine,
		version: version,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("daybook", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listTasksTool())
	srv.AddTool(s.addTaskTool())
	srv.AddTool(s.completeTaskTool())
	srv.AddTool(s.timerStartTool())
	srv.AddTool(s.timerStopTool())
	srv.AddTool(s.timerStatusTool())
	srv.AddTool(s.searchWikiTool())
	srv.AddTool(s.syncTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

type taskOut struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Source      string   `json:"source"`
	Status      string   `json:"status,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	URL         string   `json:"url,omitempty"`
	CompletedAt string   `json:"completed_at,omitempty"`
}

func toTaskOut(t *models.Task) taskOut {
	out := taskOut{
		ID:     t.ID,
		Title:  t.Title,
		Source: string(t.Source),
		Status: string(t.Status),
		Labels: t.Labels,
	}
	if t.External != nil {
		out.URL = t.External.URL
	}
	if t.CompletedAt != nil {
		out.CompletedAt = t.CompletedAt.Format(time.RFC3339)
	}
	return out
}

// daybook_list_tasks
func (s *Server) listTasksTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("daybook_list_tasks",
		mcp.WithDescription("List tasks. Returns a JSON array with id, title, source, status, labels and completion time."),
		mcp.WithString("state", mcp.Description("Filter: active (default), completed, or all")),
		mcp.WithString("label", mcp.Description("Only tasks carrying this label")),
	)
	return tool, s.handleListTasks
}

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.TaskFilter{State: store.TaskStateActive, Label: request.GetString("label", "")}
	switch state := request.GetString("state", "active"); state {
	case "active", "":
	case "completed":
		filter.State = store.TaskStateCompleted
	case "all":
		filter.State = store.TaskStateAny
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown state %q", state)), nil
	}

	list, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}
	out := make([]taskOut, len(list))
	for i, t := range list {
		out[i] = toTaskOut(t)
	}
	return jsonResult(out)
}

// daybook_add_task
func (s *Server) addTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("daybook_add_task",
		mcp.WithDescription("Create a personal task."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Task title")),
		mcp.WithString("description", mcp.Description("Longer description")),
		mcp.WithString("labels", mcp.Description("Comma-separated labels")),
	)
	return tool, s.handleAddTask
}

func (s *Server) handleAddTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := request.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: title"), nil
	}
	t, err := s.tasks.Add(ctx, tasks.AddRequest{
		Title:       title,
		Description: request.GetString("description", ""),
		Labels:      splitLabels(request.GetString("labels", "")),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to add task: %v", err)), nil
	}
	return jsonResult(toTaskOut(t))
}

func splitLabels(s string) []string {
	var labels []string
	for _, l := range strings.Split(s, ",") {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}

// daybook_complete_task
func (s *Server) completeTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("daybook_complete_task",
		mcp.WithDescription("Mark a task completed. Accepts a full id or a unique id prefix."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id or prefix")),
	)
	return tool, s.handleCompleteTask
}

func (s *Server) handleCompleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: id"), nil
	}
	t, err := s.tasks.Resolve(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", ref)), nil
	}
	t, err = s.tasks.Complete(ctx, t.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to complete task: %v", err)), nil
	}
	return jsonResult(toTaskOut(t))
}

// daybook_timer_start
func (s *Server) timerStartTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("daybook_timer_start",
		mcp.WithDescription("Start the timer for a customer. Fails if a timer is already running."),
		mcp.WithString("customer", mcp.Required(), mcp.Description("Customer id or name")),
		mcp.WithString("project", mcp.Description("Project name")),
		mcp.WithString("note", mcp.Description("What you are working on")),
	)
	return tool, s.handleTimerStart
}

func (s *Server) handleTimerStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("customer")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: customer"), nil
	}
	c, err := s.resolveCustomer(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := s.timer.Start(ctx, c.ID, request.GetString("project", ""), request.GetString("note", "")); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start timer: %v", err)), nil
	}
	return s.handleTimerStatus(ctx, request)
}

func (s *Server) resolveCustomer(ctx context.Context, ref string) (*models.Customer, error) {
	if c, err := s.store.GetCustomer(ctx, ref); err == nil {
		return c, nil
	}
	list, err := s.store.ListCustomers(ctx, store.CustomerFilter{})
	if err != nil {
		return nil, err
	}
	for _, c := range list {
		if strings.EqualFold(c.Name, ref) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("customer not found: %s", ref)
}

// daybook_timer_stop
func (s *Server) timerStopTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("daybook_timer_stop",
		mcp.WithDescription("Stop the running or paused timer and record it as a time entry."),
	)
	return tool, s.handleTimerStop
}

func (s *Server) handleTimerStop(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	e, err := s.timer.Stop(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to stop timer: %v", err)), nil
	}
	out := map[string]any{
		"id":          e.ID,
		"customer_id": e.CustomerID,
		"project":     e.Project,
		"start":       e.Start.Format(time.RFC3339),
	}
	if e.End != nil {
		out["end"] = e.End.Format(time.RFC3339)
	}
	if e.DurationMinutes != nil {
		out["duration_minutes"] = *e.DurationMinutes
	}
	return jsonResult(out)
}

// daybook_timer_status
func (s *Server) timerStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("daybook_timer_status",
		mcp.WithDescription("Report whether the timer is stopped, running or paused, with elapsed minutes."),
	)
	return tool, s.handleTimerStatus
}

func (s *Server) handleTimerStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.timer.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read timer: %v", err)), nil
	}
	out := map[string]any{
		"state":           string(st.State),
		"elapsed_minutes": models.SpanMinutes(st.Elapsed),
	}
	if st.Session != nil {
		out["customer_id"] = st.Session.CustomerID
		out["project"] = st.Session.Project
		out["started_at"] = st.Session.StartedAt.Format(time.RFC3339)
	}
	return jsonResult(out)
}

// daybook_search_wiki
func (s *Server) searchWikiTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("daybook_search_wiki",
		mcp.WithDescription("Full-text search over wiki notes. Returns filename, title and an excerpt per hit."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search terms")),
	)
	return tool, s.handleSearchWiki
}

func (s *Server) handleSearchWiki(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: query"), nil
	}
	hits, err := s.store.SearchWiki(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	type hit struct {
		Filename string `json:"filename"`
		Title    string `json:"title"`
		Excerpt  string `json:"excerpt"`
	}
	out := make([]hit, len(hits))
	for i, w := range hits {
		excerpt := w.Content
		if len(excerpt) > 200 {
			excerpt = excerpt[:200] + "..."
		}
		out[i] = hit{Filename: w.Filename, Title: w.Title, Excerpt: excerpt}
	}
	return jsonResult(out)
}

// daybook_sync
func (s *Server) syncTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("daybook_sync",
		mcp.WithDescription("Synchronize with the remote repository. Syncs every collection unless one is named."),
		mcp.WithString("collection", mcp.Description("tasks, timeentries, customers or wiki")),
	)
	return tool, s.handleSync
}

func (s *Server) handleSync(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.sync == nil {
		return mcp.NewToolResultError("sync is not configured; run 'daybook sync setup'"), nil
	}
	var collections []models.Collection
	if name := request.GetString("collection", ""); name != "" {
		c, err := models.ParseCollection(name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		collections = append(collections, c)
	}

	results, err := s.sync.SyncAll(ctx, collections...)
	out := map[string]any{"results": results}
	if err != nil {
		out["error"] = err.Error()
	}
	return jsonResult(out)
}
