package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/daybook/internal/credential"
	"github.com/joescharf/daybook/internal/github"
	"github.com/joescharf/daybook/internal/models"
	"github.com/joescharf/daybook/internal/output"
	"github.com/joescharf/daybook/internal/remote"
	"github.com/joescharf/daybook/internal/store"
	daysync "github.com/joescharf/daybook/internal/sync"
)

var (
	syncBranch  string
	syncNoCheck bool
	syncToken   string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize with the remote repository",
	Long: `Merge local data with the GitHub repository used as document store.

Each collection (customers, tasks, timeentries, wiki) syncs independently.
Without a subcommand, all collections are synced.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncRunRun(nil)
	},
}

var syncSetupCmd = &cobra.Command{
	Use:   "setup <owner/repo>",
	Short: "Set the remote repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncSetupRun(args[0])
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the remote target, credential source and pending sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncStatusRun()
	},
}

var syncLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store a GitHub token in the OS keyring",
	Long: `Store a GitHub token in the OS keyring.

The token needs contents read/write access to the sync repository.
Pass --token or paste it on stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncLoginRun()
	},
}

var syncLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored GitHub token",
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncLogoutRun()
	},
}

var syncRunCmd = &cobra.Command{
	Use:   "run [collection...]",
	Short: "Sync some or all collections",
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncRunRun(args)
	},
}

func init() {
	syncSetupCmd.Flags().StringVar(&syncBranch, "branch", "main", "Branch holding the data")
	syncSetupCmd.Flags().BoolVar(&syncNoCheck, "no-check", false, "Skip verifying repository access")
	syncLoginCmd.Flags().StringVar(&syncToken, "token", "", "Token to store (default: read from stdin)")

	syncCmd.AddCommand(syncSetupCmd)
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncLoginCmd)
	syncCmd.AddCommand(syncLogoutCmd)
	syncCmd.AddCommand(syncRunCmd)
	rootCmd.AddCommand(syncCmd)
}

func syncSetupRun(repoRef string) error {
	owner, repo, err := github.ParseRepo(repoRef)
	if err != nil {
		return err
	}
	target := models.SyncTarget{Owner: owner, Repo: repo, Branch: syncBranch}

	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if !syncNoCheck {
		client, err := newRemote(ctx, target)
		if err != nil {
			return err
		}
		if err := client.CheckAccess(ctx); err != nil {
			return fmt.Errorf("check %s@%s: %w", target.FullName(), target.Branch, err)
		}
		ui.VerboseLog("Verified access to %s@%s", target.FullName(), target.Branch)
	}

	if dryRun {
		ui.DryRunMsg("Would sync with %s@%s", target.FullName(), target.Branch)
		return nil
	}
	if err := s.SetSyncTarget(ctx, target); err != nil {
		return err
	}
	ui.Success("Syncing with %s@%s", output.Cyan(target.FullName()), target.Branch)
	return nil
}

func syncStatusRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	target, err := s.GetSyncTarget(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		ui.Warning("No remote configured. Run 'daybook sync setup <owner/repo>'.")
	case err != nil:
		return err
	default:
		fmt.Fprintf(ui.Out, "Remote:      %s@%s\n", output.Cyan(target.FullName()), target.Branch)
	}

	if name, _, err := credentialChain().Resolve(ctx); err == nil {
		fmt.Fprintf(ui.Out, "Credential:  %s\n", name)
	} else {
		fmt.Fprintf(ui.Out, "Credential:  %s\n", output.Red("none"))
	}
	fmt.Fprintln(ui.Out)

	live := liveSyncStatuses(ctx)
	table := ui.Table([]string{"Collection", "State", "Last Sync", "Cached", "Pending Deletes", "Last Error"})
	for _, c := range models.Collections {
		parts, err := s.ListPartitions(ctx, c)
		if err != nil {
			return err
		}
		tombs, err := s.ListTombstones(ctx, c)
		if err != nil {
			return err
		}
		state, last, lastErr := "", "", ""
		if st, ok := live[c]; ok {
			state = string(st.State)
			if st.LastSync != nil {
				last = st.LastSync.Local().Format("2006-01-02 15:04")
			}
			lastErr = output.Truncate(st.LastError, 50)
		}
		_ = table.Append([]string{
			string(c),
			output.SyncStateColor(state),
			last,
			fmt.Sprintf("%d", len(parts)),
			fmt.Sprintf("%d", len(tombs)),
			lastErr,
		})
	}
	_ = table.Render()
	if live == nil {
		ui.VerboseLog("Live state is only available while 'daybook serve' is running")
	}
	return nil
}

// liveSyncStatuses asks a running serve process for its per-collection state.
func liveSyncStatuses(ctx context.Context) map[models.Collection]daysync.Status {
	if _, running := pidFile().IsRunning(); !running {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	u := fmt.Sprintf("http://127.0.0.1:%d/api/v1/sync/status", viper.GetInt("serve.port"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	var list []daysync.Status
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&list) != nil {
		return nil
	}
	out := make(map[models.Collection]daysync.Status, len(list))
	for _, st := range list {
		out[st.Collection] = st
	}
	return out
}

func openKeyring() (*credential.Keyring, error) {
	return credential.OpenKeyring(viper.GetString("state_dir"))
}

func syncLoginRun() error {
	token := strings.TrimSpace(syncToken)
	if token == "" {
		fmt.Fprint(ui.ErrOut, "GitHub token: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read token: %w", err)
		}
		token = strings.TrimSpace(line)
	}
	if token == "" {
		return fmt.Errorf("%w: empty token", models.ErrInvalid)
	}
	if dryRun {
		ui.DryRunMsg("Would store the token in the keyring")
		return nil
	}
	k, err := openKeyring()
	if err != nil {
		return err
	}
	if err := k.Set(token); err != nil {
		return err
	}
	ui.Success("Token stored in the keyring")
	return nil
}

func syncLogoutRun() error {
	if dryRun {
		ui.DryRunMsg("Would remove the token from the keyring")
		return nil
	}
	k, err := openKeyring()
	if err != nil {
		return err
	}
	if err := k.Delete(); err != nil {
		return err
	}
	ui.Success("Token removed from the keyring")
	return nil
}

func parseCollections(args []string) ([]models.Collection, error) {
	var out []models.Collection
	for _, a := range args {
		c, err := models.ParseCollection(a)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func syncRunRun(args []string) error {
	collections, err := parseCollections(args)
	if err != nil {
		return err
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would sync %v", collections)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	results, err := newEngine(s, nil).SyncAll(ctx, collections...)
	renderSyncResults(results)
	if err != nil {
		return explainSyncError(err)
	}
	return nil
}

func renderSyncResults(all []*daysync.Result) {
	var results []*daysync.Result
	for _, r := range all {
		if r.Attempts > 0 {
			results = append(results, r)
		}
	}
	if len(results) == 0 {
		return
	}
	table := ui.Table([]string{"Collection", "Records", "Adopted", "Remote Wins", "Written", "Deleted", "Local"})
	for _, r := range results {
		local := output.Green("committed")
		switch {
		case !r.LocalCommitted:
			local = output.Red("unchanged")
		case !r.LocalChanged:
			local = "up to date"
		}
		_ = table.Append([]string{
			string(r.Collection),
			fmt.Sprintf("%d", r.Records),
			fmt.Sprintf("%d", r.Adopted),
			fmt.Sprintf("%d", r.RemoteWins),
			fmt.Sprintf("%d", len(r.Written)),
			fmt.Sprintf("%d", len(r.Deleted)),
			local,
		})
		if r.DecodeErrors > 0 || r.Dropped > 0 {
			ui.Warning("%s: %d unreadable partitions, %d malformed records skipped", r.Collection, r.DecodeErrors, r.Dropped)
		}
		if len(r.Withheld) > 0 {
			ui.Warning("%s: not pushed until fixed on the remote: %s", r.Collection, strings.Join(r.Withheld, ", "))
		}
		if r.LocalCommitted && r.Attempts > 1 {
			ui.VerboseLog("%s: needed %d attempts", r.Collection, r.Attempts)
		}
	}
	_ = table.Render()
}

// explainSyncError adds a next step to the common failures.
func explainSyncError(err error) error {
	switch {
	case errors.Is(err, remote.ErrNotConfigured):
		return fmt.Errorf("%w (run 'daybook sync setup <owner/repo>')", err)
	case errors.Is(err, remote.ErrUnauthenticated):
		return fmt.Errorf("%w (set $%s, run 'daybook sync login', or 'gh auth login')", err, viper.GetString("credential.env"))
	case remote.IsRetryable(err):
		return fmt.Errorf("%w (local changes are saved; run 'daybook sync' again later)", err)
	}
	return err
}
