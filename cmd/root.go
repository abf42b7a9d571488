package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/daybook/internal/credential"
	"github.com/joescharf/daybook/internal/logging"
	"github.com/joescharf/daybook/internal/metrics"
	"github.com/joescharf/daybook/internal/models"
	"github.com/joescharf/daybook/internal/output"
	"github.com/joescharf/daybook/internal/remote"
	"github.com/joescharf/daybook/internal/store"
	daysync "github.com/joescharf/daybook/internal/sync"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store
	logger    *slog.Logger
	logCloser io.Closer

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "daybook",
	Short: "Daybook - todos, time tracking, customers and notes",
	Long: `daybook keeps todos, time entries, customers and wiki notes in a local
database and synchronizes them with a GitHub repository you own.

Running bare 'daybook' shows today's agenda: open tasks, the active timer
and today's tracked time.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	err := rootCmd.Execute()
	if dataStore != nil {
		_ = dataStore.Close()
	}
	if logCloser != nil {
		_ = logCloser.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return agendaRun()
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/daybook/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DAYBOOK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	dir, _ := configDirFunc()
	setDefaults(dir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default, rooted at dir.
func setDefaults(dir string) {
	viper.SetDefault("state_dir", dir)
	viper.SetDefault("db_path", filepath.Join(dir, "daybook.db"))
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.file", "")
	viper.SetDefault("remote.api_url", remote.DefaultAPIURL)
	viper.SetDefault("remote.timeout", "30s")
	viper.SetDefault("remote.rate_limit", 5.0)
	viper.SetDefault("sync.conflict_retries", 1)
	viper.SetDefault("sync.interval", "15m")
	viper.SetDefault("credential.env", "DAYBOOK_TOKEN")
	viper.SetDefault("credential.keyring", true)
	viper.SetDefault("credential.gh_cli", true)
	viper.SetDefault("serve.port", 8484)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// Store and logger are created lazily so config/version work without a db.
}

// getLogger returns the shared logger, building it from config on first call.
// CLI commands log to stderr; serve overrides the file via log.file.
func getLogger() *slog.Logger {
	if logger != nil {
		return logger
	}
	cfg := logging.Config{
		Level:  viper.GetString("log.level"),
		Format: viper.GetString("log.format"),
		File:   viper.GetString("log.file"),
	}
	if verbose && cfg.Level == "info" {
		cfg.Level = "debug"
	}
	l, closer, err := logging.New(cfg, os.Stderr)
	if err != nil {
		ui.Warning("logging: %v (falling back to defaults)", err)
		l, closer, _ = logging.New(logging.Config{}, os.Stderr)
	}
	logger, logCloser = l, closer
	slog.SetDefault(logger)
	return logger
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// credentialChain builds the token provider chain from config.
func credentialChain() credential.Chain {
	var chain credential.Chain
	if v := viper.GetString("credential.env"); v != "" {
		chain = append(chain, credential.Env{Var: v})
	}
	if viper.GetBool("credential.keyring") {
		if k, err := credential.OpenKeyring(viper.GetString("state_dir")); err == nil {
			chain = append(chain, k)
		} else {
			getLogger().Debug("keyring unavailable", "error", err)
		}
	}
	if viper.GetBool("credential.gh_cli") {
		chain = append(chain, credential.GHCLI{})
	}
	return chain
}

// newRemote builds the GitHub client for target using the configured credentials.
func newRemote(ctx context.Context, target models.SyncTarget) (*remote.GitHub, error) {
	cfg := remote.GitHubConfig{
		APIURL:    viper.GetString("remote.api_url"),
		Timeout:   viper.GetDuration("remote.timeout"),
		RateLimit: viper.GetFloat64("remote.rate_limit"),
		Logger:    getLogger(),
	}
	return remote.NewGitHub(cfg, target, credential.TokenSource(ctx, credentialChain()))
}

// newEngine builds a sync engine over s backed by the GitHub remote.
func newEngine(s store.Store, m *metrics.Metrics) *daysync.Engine {
	factory := func(ctx context.Context, target models.SyncTarget) (remote.Client, error) {
		c, err := newRemote(ctx, target)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	opts := []daysync.Option{
		daysync.WithLogger(getLogger()),
		daysync.WithConflictRetries(viper.GetInt("sync.conflict_retries")),
	}
	if m != nil {
		opts = append(opts, daysync.WithMetrics(m))
	}
	return daysync.New(s, factory, opts...)
}

// shortID returns a truncated ULID for display (first 12 chars).
// External issue ids are already short and readable.
func shortID(id string) string {
	if len(id) > 12 && !strings.HasPrefix(id, "gh-") {
		return id[:12]
	}
	return id
}
