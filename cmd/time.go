package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/joescharf/daybook/internal/models"
	"github.com/joescharf/daybook/internal/output"
	"github.com/joescharf/daybook/internal/store"
)

var (
	timeStart    string
	timeEnd      string
	timeMinutes  int
	timeProject  string
	timeNote     string
	timeCustomer string
	timeFrom     string
	timeTo       string
)

var timeCmd = &cobra.Command{
	Use:   "time",
	Short: "Manage time entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return timeListRun()
	},
}

var timeAddCmd = &cobra.Command{
	Use:   "add <customer>",
	Short: "Record a finished time entry",
	Long: `Record a finished time entry for a customer.

Times accept RFC 3339, "2006-01-02 15:04", or natural language such as
"yesterday 9am" or "last monday at 14:00". Give --end or --minutes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return timeAddRun(args[0])
	},
}

var timeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List time entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return timeListRun()
	},
}

var timeDeleteCmd = &cobra.Command{
	Use:     "delete <entry-id>",
	Aliases: []string{"rm"},
	Short:   "Delete a time entry",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return timeDeleteRun(args[0])
	},
}

func init() {
	timeAddCmd.Flags().StringVar(&timeStart, "start", "", "Start time (required)")
	timeAddCmd.Flags().StringVar(&timeEnd, "end", "", "End time")
	timeAddCmd.Flags().IntVar(&timeMinutes, "minutes", 0, "Duration in minutes (instead of --end)")
	timeAddCmd.Flags().StringVarP(&timeProject, "project", "p", "", "Project")
	timeAddCmd.Flags().StringVar(&timeNote, "note", "", "Note")
	_ = timeAddCmd.MarkFlagRequired("start")

	timeListCmd.Flags().StringVar(&timeCustomer, "customer", "", "Filter by customer")
	timeListCmd.Flags().StringVar(&timeFrom, "from", "", "Entries starting at or after this time")
	timeListCmd.Flags().StringVar(&timeTo, "to", "", "Entries starting before this time")

	timeCmd.AddCommand(timeAddCmd)
	timeCmd.AddCommand(timeListCmd)
	timeCmd.AddCommand(timeDeleteCmd)
	rootCmd.AddCommand(timeCmd)
}

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseWhen resolves an absolute or natural-language time relative to base.
func parseWhen(s string, base time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty time", models.ErrInvalid)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04", time.DateOnly} {
		if t, err := time.ParseInLocation(layout, s, base.Location()); err == nil {
			return t, nil
		}
	}
	r, err := timeParser.Parse(s, base)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("%w: cannot understand time %q", models.ErrInvalid, s)
	}
	return r.Time, nil
}

func timeAddRun(customerRef string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	c, err := resolveCustomer(ctx, s, customerRef)
	if err != nil {
		return err
	}

	now := time.Now()
	start, err := parseWhen(timeStart, now)
	if err != nil {
		return err
	}
	var end time.Time
	switch {
	case timeEnd != "" && timeMinutes > 0:
		return fmt.Errorf("use either --end or --minutes, not both")
	case timeEnd != "":
		if end, err = parseWhen(timeEnd, start); err != nil {
			return err
		}
	case timeMinutes > 0:
		end = start.Add(time.Duration(timeMinutes) * time.Minute)
	default:
		return fmt.Errorf("--end or --minutes is required")
	}

	e := &models.TimeEntry{
		CustomerID: c.ID,
		Project:    timeProject,
		Start:      start.UTC(),
		End:        ptrTime(end.UTC()),
		Note:       timeNote,
	}
	e.RecomputeDuration()

	if dryRun {
		ui.DryRunMsg("Would record %s for %s starting %s", output.Duration(*e.DurationMinutes), c.Name, start.Local().Format("2006-01-02 15:04"))
		return nil
	}

	created, err := s.InsertTimeEntry(ctx, e)
	if err != nil {
		return fmt.Errorf("add time entry: %w", err)
	}
	ui.Success("Recorded %s for %s (%s)", output.Duration(*created.DurationMinutes), c.Name, output.Cyan(shortID(created.ID)))
	return nil
}

func ptrTime(t time.Time) *time.Time { return &t }

func timeListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	var filter store.TimeEntryFilter
	if timeCustomer != "" {
		c, err := resolveCustomer(ctx, s, timeCustomer)
		if err != nil {
			return err
		}
		filter.CustomerID = c.ID
	}
	now := time.Now()
	if timeFrom != "" {
		from, err := parseWhen(timeFrom, now)
		if err != nil {
			return err
		}
		filter.From = &from
	}
	if timeTo != "" {
		to, err := parseWhen(timeTo, now)
		if err != nil {
			return err
		}
		filter.To = &to
	}

	entries, err := s.ListTimeEntries(ctx, filter)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		ui.Info("No time entries found.")
		return nil
	}
	renderTimeEntries(ctx, s, entries)
	return nil
}

// renderTimeEntries prints entries with a per-run total.
func renderTimeEntries(ctx context.Context, s store.Store, entries []*models.TimeEntry) {
	names := make(map[string]string)
	total := 0
	table := ui.Table([]string{"ID", "Customer", "Project", "Start", "Duration", "Note"})
	for _, e := range entries {
		name, ok := names[e.CustomerID]
		if !ok {
			name = e.CustomerID
			if c, err := s.GetCustomer(ctx, e.CustomerID); err == nil {
				name = c.Name
			}
			names[e.CustomerID] = name
		}
		dur := ""
		if e.DurationMinutes != nil {
			dur = output.Duration(*e.DurationMinutes)
			total += *e.DurationMinutes
		}
		_ = table.Append([]string{
			shortID(e.ID),
			name,
			e.Project,
			e.Start.Local().Format("2006-01-02 15:04"),
			dur,
			output.Truncate(e.Note, 40),
		})
	}
	_ = table.Render()
	fmt.Fprintf(ui.Out, "\nTotal: %s\n", output.Green(output.Duration(total)))
}

func timeDeleteRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	e, err := s.GetTimeEntry(ctx, ref)
	if err != nil {
		all, lerr := s.ListTimeEntries(ctx, store.TimeEntryFilter{})
		if lerr != nil {
			return lerr
		}
		var matches []*models.TimeEntry
		for _, cand := range all {
			if strings.HasPrefix(strings.ToLower(cand.ID), strings.ToLower(ref)) {
				matches = append(matches, cand)
			}
		}
		switch len(matches) {
		case 0:
			ui.Info("Time entry %s does not exist; nothing to delete", ref)
			return nil
		case 1:
		default:
			return fmt.Errorf("ambiguous time entry %s: matches %d entries", ref, len(matches))
		}
		e = matches[0]
	}

	if dryRun {
		ui.DryRunMsg("Would delete time entry %s", shortID(e.ID))
		return nil
	}
	if err := s.DeleteTimeEntry(ctx, e.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete time entry: %w", err)
	}
	ui.Success("Deleted time entry %s", shortID(e.ID))
	return nil
}
