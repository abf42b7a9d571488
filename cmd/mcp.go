package cmd

import (
	"context"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joescharf/daybook/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for assistant integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an assistant manage todos, the timer and sync natively.
Configure it with:

  {
    "mcpServers": {
      "daybook": { "command": "daybook", "args": ["mcp"] }
    }
  }

Available tools: daybook_list_tasks, daybook_add_task, daybook_complete_task,
daybook_timer_start, daybook_timer_stop, daybook_timer_status,
daybook_search_wiki, daybook_sync`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	srv := mcp.NewServer(s, newEngine(s, nil), getLogger(), buildVersion)
	return srv.ServeStdio(ctx)
}
