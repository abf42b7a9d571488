package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/daybook/internal/api"
	"github.com/joescharf/daybook/internal/daemon"
	"github.com/joescharf/daybook/internal/metrics"
	"github.com/joescharf/daybook/internal/remote"
	daysync "github.com/joescharf/daybook/internal/sync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local REST API and background sync",
	Long: `Run the local REST API with a periodic background sync.

'daybook serve' runs in the foreground. 'serve start' detaches into the
background, logging to <state_dir>/daybook-serve.log; 'serve stop' and
'serve status' manage it through a PID file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun()
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.PersistentFlags().IntP("port", "p", 8484, "port to listen on")
	serveCmd.PersistentFlags().Duration("interval", 15*time.Minute, "background sync interval (0 disables)")
	_ = viper.BindPFlag("serve.port", serveCmd.PersistentFlags().Lookup("port"))
	_ = viper.BindPFlag("sync.interval", serveCmd.PersistentFlags().Lookup("interval"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "daybook-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "daybook-serve.log")
}

func serveRun() error {
	pf := pidFile()
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pf.Release() }()

	s, err := getStore()
	if err != nil {
		return err
	}
	log := getLogger()
	m := metrics.New()
	engine := newEngine(s, m)

	addr := fmt.Sprintf("127.0.0.1:%d", viper.GetInt("serve.port"))
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(s, engine, m, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		syncLoop(ctx, engine, viper.GetDuration("sync.interval"), log)
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving", "addr", "http://"+addr, "pid", os.Getpid())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		stop()
		<-loopDone
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	<-loopDone
	return err
}

// syncLoop syncs every collection once at start and then every interval
// until ctx ends. Failures are logged and retried on the next tick.
func syncLoop(ctx context.Context, engine *daysync.Engine, interval time.Duration, log *slog.Logger) {
	if interval <= 0 {
		log.Info("background sync disabled")
		return
	}
	run := func() {
		results, err := engine.SyncAll(ctx)
		written := 0
		for _, r := range results {
			written += len(r.Written) + len(r.Deleted)
		}
		if err != nil && ctx.Err() == nil {
			if remote.IsRetryable(err) {
				log.Warn("background sync failed, retrying next tick", "error", err, "remote_changes", written)
			} else {
				log.Error("background sync failed", "error", err, "remote_changes", written)
			}
			return
		}
		log.Debug("background sync done", "collections", len(results), "remote_changes", written)
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("serve already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	args := []string{"serve",
		"--port", fmt.Sprint(viper.GetInt("serve.port")),
		"--interval", viper.GetDuration("sync.interval").String(),
	}
	if cfg, _ := rootCmd.PersistentFlags().GetString("config"); cfg != "" {
		args = append(args, "--config", cfg)
	}

	if dryRun {
		ui.DryRunMsg("Would run %s %v in the background", exe, args)
		return nil
	}

	child := exec.Command(exe, args...)
	child.Env = append(os.Environ(), "DAYBOOK_LOG_FILE="+serveLogPath())
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start serve: %w", err)
	}
	_ = child.Process.Release()

	// The child writes the PID file once it has claimed it.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if pid, running := pf.IsRunning(); running {
			ui.Success("Serve started (pid %d) on port %d", pid, viper.GetInt("serve.port"))
			ui.Info("Logs: %s", serveLogPath())
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("serve did not start; see %s", serveLogPath())
}

func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		_ = pf.Remove()
		return fmt.Errorf("serve is not running")
	}

	if dryRun {
		ui.DryRunMsg("Would stop serve (pid %d)", pid)
		return nil
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, running := pf.IsRunning(); !running {
			ui.Success("Serve stopped (pid %d)", pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	ui.Warning("Serve did not exit in time; killing pid %d", pid)
	if err := pf.Signal(sigKILL()); err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	_ = pf.Remove()
	return nil
}

func serveStatusRun() error {
	pid, running := pidFile().IsRunning()
	if !running {
		ui.Info("Serve is not running")
		return nil
	}
	ui.Success("Serve is running (pid %d) on port %d", pid, viper.GetInt("serve.port"))
	ui.Info("Logs: %s", serveLogPath())
	return nil
}
