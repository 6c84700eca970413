package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vericase/deepresearch/internal/api"
	"github.com/vericase/deepresearch/internal/daemon"
	"github.com/vericase/deepresearch/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the research HTTP API in the foreground",
	Long: `Run the research session HTTP API under /api/v1.

On startup, sessions left in plan_pending, researching, or synthesizing by a
previous process are resumed. By default the server listens on port 8080;
use --port to change it. Use 'serve start' to run it in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun()
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server as a background daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

func init() {
	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStatusCmd)
	serveCmd.AddCommand(serveStopCmd)
	rootCmd.AddCommand(serveCmd)

	serveCmd.PersistentFlags().IntP("port", "p", 8080, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.PersistentFlags().Lookup("port"))
}

// pidFile returns the PID file of the background server.
func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "deepresearch-serve.pid"))
}

// serveLogPath returns the file the background server's output goes to.
func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "deepresearch-serve.log")
}

func serveRun() error {
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	pf := pidFile()
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pf.Release() }()

	log := getLogger()

	shutdownTracing, err := tracing.Init(ctx, viper.GetString("tracing.endpoint"), "deepresearch", buildVersion)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	mgr, err := getManager()
	if err != nil {
		return err
	}
	corp, err := getCorpus()
	if err != nil {
		return err
	}
	if err := getBus().LogTransitions(ctx, log); err != nil {
		return fmt.Errorf("subscribe to transitions: %w", err)
	}

	if _, err := mgr.Resume(ctx); err != nil {
		log.Warn("resume failed", zap.Error(err))
	}
	if ttl := viper.GetDuration("review.ttl"); ttl > 0 {
		mgr.StartSweeper(ttl, max(ttl/4, time.Second))
		log.Info("review expiry enabled", zap.Duration("ttl", ttl))
	}

	addr := fmt.Sprintf(":%d", viper.GetInt("port"))
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(mgr, corp, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	ui.Info("Serving research API at http://localhost%s/api/v1", addr)
	log.Info("server started", zap.String("addr", addr), zap.String("version", buildVersion))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	args := []string{"serve", "--port", fmt.Sprintf("%d", viper.GetInt("port"))}
	if cfg, _ := rootCmd.PersistentFlags().GetString("config"); cfg != "" {
		args = append(args, "--config", cfg)
	}

	if dryRun {
		ui.DryRunMsg("Would start %s %v (log: %s)", exe, args, serveLogPath())
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(serveLogPath()), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	_ = child.Process.Release()

	ui.Success("Server started (pid %d)", child.Process.Pid)
	ui.Info("Logs: %s", serveLogPath())
	return nil
}

func serveStatusRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		ui.Info("Server is not running")
		return nil
	}
	ui.Success("Server is running (pid %d, port %d)", pid, viper.GetInt("port"))
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		return fmt.Errorf("server is not running")
	}

	if dryRun {
		ui.DryRunMsg("Would stop server (pid %d)", pid)
		return nil
	}

	killed, err := pf.Stop(shutdownTimeout)
	if err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	if killed {
		ui.Warning("Server did not exit in %s, killed (pid %d)", shutdownTimeout, pid)
		return nil
	}
	ui.Success("Server stopped (pid %d)", pid)
	return nil
}
