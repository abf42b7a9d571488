package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/joescharf/daybook/internal/output"
	"github.com/joescharf/daybook/internal/store"
	"github.com/joescharf/daybook/internal/timer"
)

// agendaRun handles bare `daybook`: open tasks, the timer and today's time.
func agendaRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	active, err := s.ListTasks(ctx, store.TaskFilter{State: store.TaskStateActive})
	if err != nil {
		return err
	}
	fmt.Fprintf(ui.Out, "%s (%d open)\n", output.Cyan("Tasks"), len(active))
	if len(active) == 0 {
		ui.Info("Nothing open.")
	} else {
		renderTasks(active)
	}
	fmt.Fprintln(ui.Out)

	st, err := timer.NewManager(s).Status(ctx)
	if err != nil {
		return err
	}
	printTimerStatus(st)

	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)
	entries, err := s.ListTimeEntries(ctx, store.TimeEntryFilter{From: &dayStart, To: &dayEnd})
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		fmt.Fprintf(ui.Out, "\n%s\n", output.Cyan("Today"))
		renderTimeEntries(ctx, s, entries)
	}
	return nil
}
