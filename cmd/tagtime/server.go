package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/tagtime/internal/api"
	"github.com/kalambet/tagtime/internal/config"
	"github.com/kalambet/tagtime/internal/journal"
	"github.com/kalambet/tagtime/internal/prompt"
	"github.com/kalambet/tagtime/internal/scheduler"
	"github.com/kalambet/tagtime/internal/storage"
)

const (
	stateLastCatchUp = "last_catchup"
	expiryPoll       = 30 * time.Second
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the tagtime daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running tagtime daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tagtime status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "tagtime.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "tagtime version %s\n", version)

	// A fresh install gets its own seed and starts now.
	firstRun, err := config.FirstRun()
	if err != nil {
		return fmt.Errorf("first run setup: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)
	logger := slog.Default()
	if firstRun {
		logger.Info("first run: created a new ping sequence", "seed", cfg.Ping.Seed, "start", cfg.Ping.Start)
	}

	token, err := config.EnsureAPIToken(&cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	logger.Info("API bearer token available")

	// Write PID file. Check if the daemon is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("tagtime is already running (PID %d)", pid)
			return fmt.Errorf("already running (PID %d)", pid)
		}
		printWarning("something is already listening on port %d", cfg.Server.Port)
		return fmt.Errorf("port %d in use", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	j, err := openJournal(cfg, journalOptions{create: true, logger: logger})
	if err != nil {
		return err
	}
	logger.Info("ping log", "path", j.Path(), "period", j.Period(), "seed", cfg.Ping.Seed)

	timeout, _ := cfg.PromptTimeout()
	pm := prompt.NewManager(store, j, prompt.Options{
		Command: cfg.Prompt.Command,
		Timeout: timeout,
		Logger:  logger,
	})

	// A prompt left open by the previous run is stale. Expire it first so
	// catch-up owns its time and the loop is free to prompt again.
	if n, err := pm.Recover(); err != nil {
		return fmt.Errorf("expiring stale prompts: %w", err)
	} else if n > 0 {
		logger.Info("expired prompts left open by the previous run", "count", n)
	}

	// Catch up before the first timer is armed so the loop never prompts for
	// a time earlier than a placeholder.
	n, err := catchUp(j, store, time.Now())
	if err != nil {
		logger.Error("catch-up failed", "inserted", n, "error", err)
	}
	if n > 0 && cfg.Editor.OnStartup {
		if err := startEditor(cfg, j.Path()); err != nil {
			logger.Warn("could not open editor", "error", err)
		}
	}

	sched := scheduler.New(j, pm, logger)

	handler := api.NewAppHandler(api.AppDeps{
		Journal: j,
		Prompts: pm,
		Token:   token,
		Logger:  logger,
		Done:    ctx.Done(),
	})
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	// MCP over stdio only makes sense when a client, not a terminal, owns stdin.
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Journal: j, Prompts: pm})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "tagtime listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		pm.RunExpiry(gctx, expiryPoll)
		return nil
	})
	g.Go(func() error {
		if err := j.Watch(gctx); err != nil {
			logger.Warn("not watching ping file for edits", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				cfg, err := loadConfig()
				if err != nil {
					logger.Error("reloading config failed", "error", err)
					continue
				}
				if _, err := applySchedule(cfg, j, sched); err != nil {
					logger.Error("reloading schedule failed", "error", err)
				}
			}
		}
	})

	return g.Wait()
}

// rescheduler is the part of the scheduler loop a config reload pokes.
type rescheduler interface {
	Reschedule()
}

// applySchedule pushes the ping settings in cfg into a running journal and
// wakes the loop when they changed.
func applySchedule(cfg config.Config, j *journal.Journal, r rescheduler) (bool, error) {
	if cfg.Ping.Period <= 0 {
		return false, fmt.Errorf("ping.period must be positive, got %d", cfg.Ping.Period)
	}
	start, err := cfg.StartMillis()
	if err != nil {
		return false, err
	}
	if !j.Reconfigure(cfg.PeriodDuration(), cfg.SeedValue(), start) {
		return false, nil
	}
	r.Reschedule()
	return true, nil
}

// stateStore keeps small bits of daemon state between runs.
type stateStore interface {
	SetState(key, value string) error
	GetState(key string) (string, error)
}

// catchUp fills in pings missed while the daemon was not running and
// remembers when it did so.
func catchUp(j *journal.Journal, state stateStore, now time.Time) (int, error) {
	n, err := j.CatchUp(now.UnixMilli())
	if err != nil {
		return n, err
	}
	if err := state.SetState(stateLastCatchUp, now.UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("could not record catch-up time", "error", err)
	}
	if n > 0 {
		printStep("Filled in %d missed ping(s)", n)
	}
	return n, nil
}

// editorCommand builds the command that opens path in the configured editor.
func editorCommand(cfg config.Config, path string) (*exec.Cmd, error) {
	fields := strings.Fields(cfg.EditorCommand(os.Getenv))
	if len(fields) == 0 {
		return nil, errors.New("no editor configured")
	}
	cmd := exec.Command(fields[0], append(fields[1:], path)...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	return cmd, nil
}

// startEditor opens path without waiting for the editor to exit.
func startEditor(cfg config.Config, path string) error {
	cmd, err := editorCommand(cfg, path)
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			slog.Warn("editor exited with error", "error", err)
		}
	}()
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("tagtime is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop tagtime (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to tagtime (PID %d)", pid)
	return nil
}

// reloadDaemon asks a running daemon to re-read its ping settings. It
// reports false when no daemon is running.
func reloadDaemon() (bool, error) {
	cfg, err := config.Load()
	if err != nil {
		return false, err
	}
	pid, err := readPIDFile(pidFilePath(cfg.Storage.DataDir))
	if err != nil {
		return false, nil
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, nil
	}
	if err := process.Signal(syscall.SIGHUP); err != nil {
		return false, fmt.Errorf("signalling tagtime (PID %d): %w", pid, err)
	}
	return true, nil
}

func showStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}
	now := time.Now()

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}
	running := false
	if resp, err := client.Get(serverURL + "/health"); err != nil {
		printStatus("Daemon", "stopped")
	} else {
		resp.Body.Close()
		running = resp.StatusCode == http.StatusOK
		if running {
			printStatus("Daemon", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Daemon", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Period", "%s", cfg.PeriodDuration())
	printStatus("Seed", "%d", cfg.Ping.Seed)

	j, err := openJournal(cfg, journalOptions{})
	if err != nil {
		printError("%v", err)
		return nil
	}
	printStatus("Next ping", "%s", pingLabel(j.Next(now.UnixMilli()), now))
	if last, ok, err := j.Last(); err == nil && ok {
		printStatus("Last logged", "%s [%s]", pingLabel(last.Time, now), strings.Join(last.Tags, " "))
	}
	if pings, err := j.Pings(); err == nil {
		printStatus("Pings", "%d in %s", len(pings), j.Path())
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err == nil {
		defer store.Close()
		if v, err := store.GetState(stateLastCatchUp); err == nil && v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				printStatus("Last catch-up", "%s", pingLabel(t.UnixMilli(), now))
			}
		}
		if counts, err := store.CountByStatus(); err == nil && len(counts) > 0 {
			var parts []string
			for _, s := range []storage.Status{storage.StatusAnswered, storage.StatusDismissed, storage.StatusExpired, storage.StatusSkipped, storage.StatusPending} {
				if counts[s] > 0 {
					parts = append(parts, fmt.Sprintf("%d %s", counts[s], s))
				}
			}
			printStatus("Prompts", "%s", strings.Join(parts, ", "))
		}
		if recent, err := store.RecentPrompts(5); err == nil {
			for _, p := range recent {
				line := fmt.Sprintf("%s %s", pingLabel(p.PingTime, now), p.Status)
				if len(p.Tags) > 0 {
					line += " [" + strings.Join(p.Tags, " ") + "]"
				}
				printStatus("Recent", "%s", line)
			}
		}
		if versions, err := store.AppliedMigrations(); err == nil && len(versions) > 0 {
			printStatus("Schema", "version %d", versions[len(versions)-1])
		}
	}

	if running {
		if c, err := newAPIClient(); err == nil {
			if resp, err := c.get(context.Background(), "/prompt"); err == nil {
				var p prompt.Payload
				if decodeJSON(resp, &p) == nil {
					printStatus("Waiting", "prompt %s for %s", p.ID, pingLabel(p.Time, now))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
