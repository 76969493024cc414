package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/imaginario/searchd/internal/api"
	"github.com/imaginario/searchd/internal/auth"
	"github.com/imaginario/searchd/internal/breaker"
	"github.com/imaginario/searchd/internal/config"
	"github.com/imaginario/searchd/internal/executor"
	"github.com/imaginario/searchd/internal/notify"
	"github.com/imaginario/searchd/internal/search"
	"github.com/imaginario/searchd/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the searchd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running searchd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show searchd system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "searchd.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "searchd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("searchd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("searchd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the search core.
	registry := search.NewRegistry()
	registry.Register(search.NewKeyword())
	registry.Register(search.NewFuzzy())

	circuit := breaker.New(
		breaker.WithFailureThreshold(cfg.Breaker.FailureThreshold),
		breaker.WithRecoveryTimeout(time.Duration(cfg.Breaker.RecoveryTimeoutSecs)*time.Second),
		breaker.WithTrialLimit(cfg.Breaker.TrialLimit),
	)
	hub := notify.NewHub(cfg.Notify.Buffer)
	tokens := auth.NewTokenAuthority(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenTTLHours)*time.Hour)

	handler := api.NewAppHandler(api.AppDeps{
		Store:      store,
		Strategies: registry,
		Breaker:    circuit,
		Hub:        hub,
		Tokens:     tokens,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start the worker pool.
	pool := executor.NewPool(
		cfg.Worker.Count,
		store,
		registry,
		circuit,
		hub,
		time.Duration(cfg.Worker.PollIntervalMs)*time.Millisecond,
	)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(ctx)
	}()
	slog.Info("worker pool started", "workers", cfg.Worker.Count)

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "searchd listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout. The pool stops with the signal
	// context; in-flight jobs finish through the guarded transitions.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		slog.Warn("worker pool did not stop before shutdown deadline")
	}
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
		printError("searchd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop searchd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to searchd (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Workers", "%d (poll %dms)", cfg.Worker.Count, cfg.Worker.PollIntervalMs)

	// Show breaker state and job counts if the server is up.
	if running {
		if apiClient, err := newAPIClient(); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			if breakerResp, err := apiClient.get(ctx, "/api/v1/system/circuit-breaker"); err == nil {
				var snap struct {
					State               string `json:"state"`
					ConsecutiveFailures int    `json:"consecutive_failures"`
				}
				if json.NewDecoder(breakerResp.Body).Decode(&snap) == nil {
					printStatus("Circuit breaker", "%s (%d consecutive failures)", snap.State, snap.ConsecutiveFailures)
				}
				breakerResp.Body.Close()
			}

			if jobsResp, err := apiClient.get(ctx, "/api/v1/search/jobs?per_page=1"); err == nil {
				var page struct {
					Pagination struct {
						TotalItems int `json:"total_items"`
					} `json:"pagination"`
				}
				if json.NewDecoder(jobsResp.Body).Decode(&page) == nil {
					printStatus("Search jobs", "%d", page.Pagination.TotalItems)
				}
				jobsResp.Body.Close()
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
