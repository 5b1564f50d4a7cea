package main

import (
	"context"
	"errors"
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

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/leadscout/internal/api"
	"github.com/kalambet/leadscout/internal/config"
	"github.com/kalambet/leadscout/internal/credits"
	"github.com/kalambet/leadscout/internal/discovery"
	"github.com/kalambet/leadscout/internal/orchestrator"
	"github.com/kalambet/leadscout/internal/provider"
	"github.com/kalambet/leadscout/internal/ratelimit"
	"github.com/kalambet/leadscout/internal/search"
	"github.com/kalambet/leadscout/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the leadscout server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running leadscout server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show leadscout system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "leadscout.pid")
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

// jobTimings parses the duration-valued job settings, falling back to the
// given defaults on malformed config.
func jobTimings(cfg config.Config) (poll, stuck time.Duration) {
	poll, err := time.ParseDuration(cfg.Jobs.PollInterval)
	if err != nil {
		slog.Warn("invalid poll interval, using default 2s", "value", cfg.Jobs.PollInterval, "error", err)
		poll = 2 * time.Second
	}
	stuck, err = time.ParseDuration(cfg.Jobs.StuckAfter)
	if err != nil {
		slog.Warn("invalid stuck-after window, using default 10m", "value", cfg.Jobs.StuckAfter, "error", err)
		stuck = 10 * time.Minute
	}
	return poll, stuck
}

// buildProviders assembles the email search adapters that have credentials
// configured and registers their rate limits. Perplexity always has a key
// (config.Load requires it); apollo and hunter are optional.
func buildProviders(cfg config.Config, limiter *ratelimit.Limiter, perplexity *provider.PerplexityClient) *provider.Registry {
	adapters := []provider.Adapter{perplexity}
	limiter.SetRate(perplexity.Name(), cfg.Providers.Perplexity.RPS)

	if cfg.Providers.Apollo.APIKey != "" {
		apollo := provider.NewApollo(cfg.Providers.Apollo.BaseURL, cfg.Providers.Apollo.APIKey)
		adapters = append(adapters, apollo)
		limiter.SetRate(apollo.Name(), cfg.Providers.Apollo.RPS)
	} else {
		slog.Warn("apollo API key not set, skipping adapter")
	}

	if cfg.Providers.Hunter.APIKey != "" {
		hunter := provider.NewHunter(cfg.Providers.Hunter.BaseURL, cfg.Providers.Hunter.APIKey)
		adapters = append(adapters, hunter)
		limiter.SetRate(hunter.Name(), cfg.Providers.Hunter.RPS)
	} else {
		slog.Warn("hunter API key not set, skipping adapter")
	}

	return provider.NewRegistry(adapters...)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "leadscout version %s\n", version)

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

	// Ensure API token exists.
	apiToken, err := config.GetAPIToken(config.NewBackend())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("leadscout is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("leadscout is already running on port %d", cfg.Server.Port)
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

	// Build the search stack: rate-limited provider adapters, the tiered
	// email engine, and the organization/people finder.
	limiter := ratelimit.New()
	perplexity := provider.NewPerplexity(
		cfg.Providers.Perplexity.BaseURL,
		cfg.Providers.Perplexity.APIKey,
		cfg.Providers.Perplexity.Model,
	)
	providers := buildProviders(cfg, limiter, perplexity)
	slog.Info("email providers registered", "providers", providers.Names())

	engine := search.NewEngine(providers, limiter, store)
	finder := discovery.NewFinder(perplexity)
	ledger := credits.NewLedger(store)
	orch := orchestrator.New(store, ledger, finder, engine)

	// Start job workers.
	pollInterval, stuckAfter := jobTimings(cfg)
	workers := cfg.Jobs.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		w := orchestrator.NewWorker(orch, store, pollInterval)
		go func(i int) {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("worker stopped", "worker", i, "error", err)
			}
		}(i)
	}
	slog.Info("job workers started", "count", workers)

	// Start the recovery reaper.
	reaper := orchestrator.NewReaper(orch, stuckAfter, time.Duration(cfg.Jobs.RetentionDays)*24*time.Hour)
	if err := reaper.Start(); err != nil {
		return fmt.Errorf("starting reaper: %w", err)
	}
	defer reaper.Stop()

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Orchestrator: orch,
		Store:        store,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Build HTTP handler and server.
	handler := api.NewAppHandler(api.AppDeps{
		Orchestrator: orch,
		Store:        store,
		Ledger:       ledger,
		Token:        apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "leadscout listening on %s\n", addr)
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

	// Graceful shutdown with timeout.
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
		printError("leadscout is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop leadscout (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to leadscout (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := healthClient.Get(serverURL + "/health")
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

	// Show configured providers.
	providers := []string{"perplexity"}
	if cfg.Providers.Apollo.APIKey != "" {
		providers = append(providers, "apollo")
	}
	if cfg.Providers.Hunter.APIKey != "" {
		providers = append(providers, "hunter")
	}
	printStatus("Providers", "%s", strings.Join(providers, ", "))

	// Show job and credit counts if the server is running.
	if running {
		if client, err := newAPIClient(); err == nil {
			jobsResp, err := client.get(ctx, "/jobs?limit=100")
			if err == nil {
				var jobs []struct {
					Status string `json:"status"`
				}
				if decodeJSON(jobsResp, &jobs) == nil {
					active := 0
					for _, j := range jobs {
						if j.Status == "pending" || j.Status == "processing" {
							active++
						}
					}
					printStatus("Jobs", "%s recent, %d active", countLabel(len(jobs), 100), active)
				}
			}
			creditsResp, err := client.get(ctx, "/credits")
			if err == nil {
				var balance struct {
					Balance   int `json:"balance"`
					TotalUsed int `json:"total_used"`
				}
				if decodeJSON(creditsResp, &balance) == nil {
					printStatus("Credits", "%d available, %d used", balance.Balance, balance.TotalUsed)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
