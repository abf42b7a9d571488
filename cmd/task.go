package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/daybook/internal/github"
	"github.com/joescharf/daybook/internal/models"
	"github.com/joescharf/daybook/internal/output"
	"github.com/joescharf/daybook/internal/store"
	"github.com/joescharf/daybook/internal/tasks"
)

var (
	taskTitle  string
	taskDesc   string
	taskStatus string
	taskLabels []string
	taskLabel  string
	taskState  string
	taskRepo   string
	taskLimit  int
)

// issueClient is the external issue provider, replaceable in tests.
var issueClient github.Client = github.NewCLI()

var taskCmd = &cobra.Command{
	Use:     "task",
	Aliases: []string{"todo", "t"},
	Short:   "Manage todos",
	Long:    "Track personal todos and tasks mirrored from GitHub issues.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun()
	},
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a personal task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskAddRun(strings.Join(args, " "))
	},
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun()
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskShowRun(args[0])
	},
}

var taskEditCmd = &cobra.Command{
	Use:   "edit <task-id>",
	Short: "Edit an active personal task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskEditRun(cmd, args[0])
	},
}

var taskCompleteCmd = &cobra.Command{
	Use:     "complete <task-id>",
	Aliases: []string{"done"},
	Short:   "Mark a task completed",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskCompleteRun(args[0])
	},
}

var taskReopenCmd = &cobra.Command{
	Use:   "reopen <task-id>",
	Short: "Clear a task's completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskReopenRun(args[0])
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:     "delete <task-id>",
	Aliases: []string{"rm"},
	Short:   "Delete a task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskDeleteRun(args[0])
	},
}

var taskImportCmd = &cobra.Command{
	Use:   "import-issues <owner/repo>",
	Short: "Mirror a repository's GitHub issues as tasks",
	Long: `Mirror GitHub issues as external-issue tasks (requires the gh CLI).

Existing mirrored tasks get their title, labels and open/closed state refreshed.
A task completed locally is never reopened by an import.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskImportRun(args[0])
	},
}

var taskConvertCmd = &cobra.Command{
	Use:   "convert <task-id>",
	Short: "Turn a personal task into a GitHub issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskConvertRun(args[0])
	},
}

func init() {
	taskAddCmd.Flags().StringVar(&taskDesc, "desc", "", "Task description")
	taskAddCmd.Flags().StringVar(&taskStatus, "status", "", "Workflow status: todo, in_progress, blocked, done")
	taskAddCmd.Flags().StringSliceVarP(&taskLabels, "label", "l", nil, "Label to apply (repeatable)")

	taskListCmd.Flags().StringVar(&taskState, "state", "active", "Filter by state: active, completed, all")
	taskListCmd.Flags().StringVar(&taskLabel, "label", "", "Filter by label")

	taskEditCmd.Flags().StringVar(&taskTitle, "title", "", "New title")
	taskEditCmd.Flags().StringVar(&taskDesc, "desc", "", "New description")
	taskEditCmd.Flags().StringVar(&taskStatus, "status", "", "New workflow status")
	taskEditCmd.Flags().StringSliceVarP(&taskLabels, "label", "l", nil, "Replace labels (repeatable)")

	taskImportCmd.Flags().IntVar(&taskLimit, "limit", 100, "Maximum number of issues to fetch")

	taskConvertCmd.Flags().StringVar(&taskRepo, "repo", "", "Target repository owner/repo (required)")
	_ = taskConvertCmd.MarkFlagRequired("repo")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskEditCmd)
	taskCmd.AddCommand(taskCompleteCmd)
	taskCmd.AddCommand(taskReopenCmd)
	taskCmd.AddCommand(taskDeleteCmd)
	taskCmd.AddCommand(taskImportCmd)
	taskCmd.AddCommand(taskConvertCmd)
	rootCmd.AddCommand(taskCmd)
}

func taskService() (*tasks.Service, store.Store, error) {
	s, err := getStore()
	if err != nil {
		return nil, nil, err
	}
	return tasks.NewService(s, getLogger()), s, nil
}

func parseTaskStatus(s string) (models.TaskStatus, error) {
	switch st := models.TaskStatus(s); st {
	case models.TaskStatusTodo, models.TaskStatusInProgress, models.TaskStatusBlocked, models.TaskStatusDone:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q (use todo, in_progress, blocked or done)", models.ErrInvalid, s)
}

func taskAddRun(title string) error {
	svc, _, err := taskService()
	if err != nil {
		return err
	}
	req := tasks.AddRequest{Title: title, Description: taskDesc, Labels: taskLabels}
	if taskStatus != "" {
		if req.Status, err = parseTaskStatus(taskStatus); err != nil {
			return err
		}
	}

	if dryRun {
		ui.DryRunMsg("Would add task: %s", title)
		return nil
	}

	t, err := svc.Add(context.Background(), req)
	if err != nil {
		return fmt.Errorf("add task: %w", err)
	}
	ui.Success("Added task %s: %s", output.Cyan(shortID(t.ID)), t.Title)
	return nil
}

func taskListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	filter := store.TaskFilter{Label: taskLabel}
	switch taskState {
	case "", "active":
		filter.State = store.TaskStateActive
	case "completed", "done":
		filter.State = store.TaskStateCompleted
	case "all":
	default:
		return fmt.Errorf("unknown state %q (use active, completed or all)", taskState)
	}

	list, err := s.ListTasks(context.Background(), filter)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No tasks found.")
		return nil
	}
	renderTasks(list)
	return nil
}

func renderTasks(list []*models.Task) {
	table := ui.Table([]string{"ID", "Title", "Status", "Labels", "Source"})
	for _, t := range list {
		status := string(t.Status)
		if t.CompletedAt != nil {
			status = "completed"
		}
		source := "personal"
		if t.External != nil {
			source = fmt.Sprintf("%s/%s#%d", t.External.Owner, t.External.Repo, t.External.Number)
		}
		_ = table.Append([]string{
			shortID(t.ID),
			output.Truncate(t.Title, 60),
			output.StatusColor(status),
			strings.Join(t.Labels, ","),
			source,
		})
	}
	_ = table.Render()
}

func taskShowRun(ref string) error {
	svc, _, err := taskService()
	if err != nil {
		return err
	}
	t, err := svc.Resolve(context.Background(), ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(t.ID)), t.Title)
	fmt.Fprintf(ui.Out, "  Source:     %s\n", t.Source)
	if t.Status != "" {
		fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(t.Status)))
	}
	if t.Description != "" {
		fmt.Fprintf(ui.Out, "  Desc:       %s\n", t.Description)
	}
	if len(t.Labels) > 0 {
		fmt.Fprintf(ui.Out, "  Labels:     %s\n", strings.Join(t.Labels, ", "))
	}
	if t.External != nil {
		fmt.Fprintf(ui.Out, "  Issue:      %s/%s#%d (%s)\n", t.External.Owner, t.External.Repo, t.External.Number, t.External.State)
		if t.External.URL != "" {
			fmt.Fprintf(ui.Out, "  URL:        %s\n", t.External.URL)
		}
	}
	fmt.Fprintf(ui.Out, "  Created:    %s\n", t.CreatedAt.Local().Format(time.RFC3339))
	if t.UpdatedAt != nil {
		fmt.Fprintf(ui.Out, "  Updated:    %s\n", t.UpdatedAt.Local().Format(time.RFC3339))
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(ui.Out, "  Completed:  %s\n", t.CompletedAt.Local().Format(time.RFC3339))
	}
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", t.ID)
	return nil
}

func taskEditRun(cmd *cobra.Command, ref string) error {
	svc, _, err := taskService()
	if err != nil {
		return err
	}
	ctx := context.Background()
	t, err := svc.Resolve(ctx, ref)
	if err != nil {
		return err
	}

	var req tasks.EditRequest
	changed := false
	if cmd.Flags().Changed("title") {
		req.Title = &taskTitle
		changed = true
	}
	if cmd.Flags().Changed("desc") {
		req.Description = &taskDesc
		changed = true
	}
	if cmd.Flags().Changed("status") {
		st, err := parseTaskStatus(taskStatus)
		if err != nil {
			return err
		}
		req.Status = &st
		changed = true
	}
	if cmd.Flags().Changed("label") {
		req.Labels = &taskLabels
		changed = true
	}
	if !changed {
		return fmt.Errorf("no updates specified (use --title, --desc, --status or --label)")
	}

	if dryRun {
		ui.DryRunMsg("Would update task %s", shortID(t.ID))
		return nil
	}

	if _, err := svc.Edit(ctx, t.ID, req); err != nil {
		return fmt.Errorf("edit task: %w", err)
	}
	ui.Success("Updated task %s", output.Cyan(shortID(t.ID)))
	return nil
}

func taskCompleteRun(ref string) error {
	svc, _, err := taskService()
	if err != nil {
		return err
	}
	ctx := context.Background()
	t, err := svc.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would complete task %s", shortID(t.ID))
		return nil
	}
	if _, err := svc.Complete(ctx, t.ID); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	ui.Success("Completed %s: %s", output.Cyan(shortID(t.ID)), t.Title)
	return nil
}

func taskReopenRun(ref string) error {
	svc, _, err := taskService()
	if err != nil {
		return err
	}
	ctx := context.Background()
	t, err := svc.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would reopen task %s", shortID(t.ID))
		return nil
	}
	if _, err := svc.Reopen(ctx, t.ID); err != nil {
		return fmt.Errorf("reopen task: %w", err)
	}
	ui.Success("Reopened %s: %s", output.Cyan(shortID(t.ID)), t.Title)
	return nil
}

func taskDeleteRun(ref string) error {
	svc, _, err := taskService()
	if err != nil {
		return err
	}
	ctx := context.Background()
	t, err := svc.Resolve(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		ui.Info("Task %s does not exist; nothing to delete", ref)
		return nil
	}
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would delete task %s: %s", shortID(t.ID), t.Title)
		return nil
	}
	if err := svc.Delete(ctx, t.ID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	ui.Success("Deleted %s: %s", output.Cyan(shortID(t.ID)), t.Title)
	return nil
}

func taskImportRun(repoRef string) error {
	owner, repo, err := github.ParseRepo(repoRef)
	if err != nil {
		return err
	}
	s, err := getStore()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would import up to %d issues from %s/%s", taskLimit, owner, repo)
		return nil
	}

	res, err := github.ImportIssues(context.Background(), s, issueClient, owner, repo, taskLimit)
	if err != nil {
		return fmt.Errorf("import issues: %w", err)
	}
	ui.Success("Imported issues from %s/%s: %d new, %d updated, %d unchanged",
		owner, repo, res.Created, res.Updated, res.Unchanged)
	return nil
}

func taskConvertRun(ref string) error {
	owner, repo, err := github.ParseRepo(taskRepo)
	if err != nil {
		return err
	}
	svc, s, err := taskService()
	if err != nil {
		return err
	}
	ctx := context.Background()
	t, err := svc.Resolve(ctx, ref)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would create an issue in %s/%s from task %s", owner, repo, shortID(t.ID))
		return nil
	}

	converted, err := github.ConvertTask(ctx, s, issueClient, t.ID, owner, repo)
	if err != nil {
		return fmt.Errorf("convert task: %w", err)
	}
	ui.Success("Converted %s to %s", shortID(t.ID), output.Cyan(converted.ID))
	if converted.External != nil && converted.External.URL != "" {
		ui.Info("%s", converted.External.URL)
	}
	return nil
}
