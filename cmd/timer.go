package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/daybook/internal/models"
	"github.com/joescharf/daybook/internal/output"
	"github.com/joescharf/daybook/internal/timer"
)

var (
	timerProject string
	timerNote    string
)

var timerCmd = &cobra.Command{
	Use:   "timer",
	Short: "Start, pause and stop the work timer",
	Long: `A single local timer session. Stopping it records a time entry;
the running session itself is never synced.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return timerStatusRun()
	},
}

var timerStartCmd = &cobra.Command{
	Use:   "start <customer>",
	Short: "Start the timer for a customer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return timerStartRun(args[0])
	},
}

var timerPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the running timer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return timerTransitionRun("Paused", (*timer.Manager).Pause)
	},
}

var timerResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the paused timer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return timerTransitionRun("Resumed", (*timer.Manager).Resume)
	},
}

var timerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the timer and record a time entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		return timerStopRun()
	},
}

var timerDiscardCmd = &cobra.Command{
	Use:   "discard",
	Short: "Throw away the running timer without recording time",
	RunE: func(cmd *cobra.Command, args []string) error {
		return timerTransitionRun("Discarded", (*timer.Manager).Discard)
	},
}

var timerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the timer state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return timerStatusRun()
	},
}

func init() {
	timerStartCmd.Flags().StringVarP(&timerProject, "project", "p", "", "Project")
	timerStartCmd.Flags().StringVar(&timerNote, "note", "", "Note")

	timerCmd.AddCommand(timerStartCmd)
	timerCmd.AddCommand(timerPauseCmd)
	timerCmd.AddCommand(timerResumeCmd)
	timerCmd.AddCommand(timerStopCmd)
	timerCmd.AddCommand(timerDiscardCmd)
	timerCmd.AddCommand(timerStatusCmd)
	rootCmd.AddCommand(timerCmd)
}

func timerManager() (*timer.Manager, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	return timer.NewManager(s), nil
}

func timerStartRun(customerRef string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	c, err := resolveCustomer(ctx, s, customerRef)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would start the timer for %s", c.Name)
		return nil
	}
	if _, err := timer.NewManager(s).Start(ctx, c.ID, timerProject, timerNote); err != nil {
		return err
	}
	ui.Success("Timer started for %s", output.Cyan(c.Name))
	return nil
}

func timerTransitionRun(verb string, fn func(*timer.Manager, context.Context) (*models.ActiveTimer, error)) error {
	m, err := timerManager()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would change the timer state (%s)", verb)
		return nil
	}
	if _, err := fn(m, context.Background()); err != nil {
		return err
	}
	ui.Success("%s timer", verb)
	return nil
}

func timerStopRun() error {
	m, err := timerManager()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would stop the timer and record a time entry")
		return nil
	}
	e, err := m.Stop(context.Background())
	if err != nil {
		return err
	}
	minutes := 0
	if e.DurationMinutes != nil {
		minutes = *e.DurationMinutes
	}
	ui.Success("Recorded %s (%s)", output.Duration(minutes), output.Cyan(shortID(e.ID)))
	return nil
}

func timerStatusRun() error {
	m, err := timerManager()
	if err != nil {
		return err
	}
	st, err := m.Status(context.Background())
	if err != nil {
		return err
	}
	printTimerStatus(st)
	return nil
}

func printTimerStatus(st *timer.Status) {
	if st.State == timer.StateStopped {
		ui.Info("Timer stopped")
		return
	}
	customer := st.Session.CustomerID
	if s, err := getStore(); err == nil {
		if c, err := s.GetCustomer(context.Background(), customer); err == nil {
			customer = c.Name
		}
	}
	state := output.Green(string(st.State))
	if st.State == timer.StatePaused {
		state = output.Yellow(string(st.State))
	}
	fmt.Fprintf(ui.Out, "Timer %s: %s", state, output.Cyan(customer))
	if st.Session.Project != "" {
		fmt.Fprintf(ui.Out, " / %s", st.Session.Project)
	}
	fmt.Fprintf(ui.Out, "  %s (since %s)\n",
		output.Duration(int(st.Elapsed/time.Minute)), st.Session.StartedAt.Local().Format("15:04"))
}
