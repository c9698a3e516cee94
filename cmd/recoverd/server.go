package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/recoverd/internal/api"
	"github.com/kalambet/recoverd/internal/config"
	"github.com/kalambet/recoverd/internal/inbox"
	"github.com/kalambet/recoverd/internal/matching"
	"github.com/kalambet/recoverd/internal/notify"
	"github.com/kalambet/recoverd/internal/outbox"
	"github.com/kalambet/recoverd/internal/presence"
	"github.com/kalambet/recoverd/internal/ratelimit"
	"github.com/kalambet/recoverd/internal/realtime"
	"github.com/kalambet/recoverd/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the recoverd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running recoverd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recoverd status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "recoverd.pid")
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

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "recoverd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)})))

	adminToken, err := config.GetAdminToken(config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing admin token: %w", err)
	}
	slog.Info("admin bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("recoverd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("recoverd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStep("Opening database in %s", cfg.Storage.DataDir)
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()
	store.SetTxTimeout(cfg.Storage.TxTimeout)

	printStep("Starting notification dispatcher")
	registry := presence.NewRegistry()

	// Without a remote inbox the local table is the only durable store.
	var box notify.Inbox = store
	if cfg.Inbox.RemoteURL != "" {
		remote := inbox.NewRemote(cfg.Inbox.RemoteURL, cfg.Inbox.RemoteToken, 10*time.Second)
		box = inbox.NewOutbox(store, store)
		worker := outbox.NewWorker(store, remote, cfg.Outbox.PollInterval)
		go worker.Run(ctx)
		slog.Info("remote inbox forwarding enabled", "url", cfg.Inbox.RemoteURL)
	}

	dispatcher := notify.NewDispatcher(registry, box, notify.Options{
		PushTimeout:          cfg.Notify.PushTimeout,
		InboxOnPushFailure:   cfg.Notify.InboxOnPushFailure,
		BroadcastConcurrency: cfg.Notify.BroadcastConcurrency,
	})
	coord := matching.NewCoordinator(store, dispatcher, matching.Options{
		MinScore:             cfg.Matching.MinScore,
		MaxCandidatesPerItem: cfg.Matching.MaxCandidatesPerItem,
		NotifyFinder:         cfg.Notify.NotifyFinder,
		BroadcastMatches:     cfg.Notify.BroadcastMatches,
	})
	limiter := ratelimit.New(cfg.RateLimit.Window, cfg.RateLimit.Max)

	handler := api.NewAppHandler(api.AppDeps{
		Store:       store,
		Coordinator: coord,
		Broadcaster: dispatcher,
		Presence:    registry,
		Token:       adminToken,
		RateLimit:   limiter.Middleware,
		Realtime:    realtime.NewHandler(registry, 0),
	})

	if cfg.MCP.Enabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Coordinator: coord})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("recoverd listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
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
		printError("recoverd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop recoverd (PID %d): %v", pid, err)
		os.Remove(pidPath)
		return err
	}

	printSuccess("Sent stop signal to recoverd (PID %d)", pid)
	return nil
}

type serverStats struct {
	Connections     *int           `json:"connections"`
	Jobs            map[string]int `json:"jobs"`
	MatchesAwaiting int            `json:"matches_awaiting"`
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		printError("%v", err)
		return nil
	}

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)

	if err := printStats(ctx, client); err != nil {
		printWarning("could not read stats: %v", err)
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printStats(ctx context.Context, client *apiClient) error {
	resp, err := client.get(ctx, "/admin/stats")
	if err != nil {
		return err
	}
	var stats serverStats
	if err := decodeJSON(resp, &stats); err != nil {
		return err
	}
	if stats.Connections != nil {
		printStatus("Connections", "%d", *stats.Connections)
	}
	printStatus("Awaiting review", "%d matches", stats.MatchesAwaiting)
	printStatus("Outbox", "%d pending, %d failed", stats.Jobs["pending"], stats.Jobs["failed"])
	return nil
}
