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

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/api"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/config"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/ratelimit"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/storage"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relief API server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		seed, _ := cmd.Flags().GetBool("seed")
		return runServer(seed)
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the background sync agent (foreground)",
	Long: `Run the sync agent. It watches connectivity, replays queued actions as
soon as the server is reachable and pulls changes every sync.interval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running sync agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopAgent()
	},
}

func init() {
	serveCmd.Flags().Bool("seed", false, "load demo alerts, reports and resources into an empty database")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "relief-agent.pid")
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

// processAlive reports whether pid names a live process we may signal.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

func newLimiter(cfg config.RateLimitConfig) (ratelimit.Limiter, func(), error) {
	if cfg.RedisURL == "" {
		return ratelimit.NewInMemory(cfg.Window), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing ratelimit.redis_url: %w", err)
	}
	client := redis.NewClient(opts)
	slog.Info("rate limit windows shared via redis", "addr", opts.Addr)
	return ratelimit.NewRedis(client, cfg.Window), func() { client.Close() }, nil
}

func runServer(seed bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "relief version %s\n", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(filepath.Join(cfg.Storage.DataDir, "server"))
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	if seed {
		n, err := api.Seed(store, time.Now())
		if err != nil {
			return fmt.Errorf("seeding: %w", err)
		}
		slog.Info("seeded demo data", "records", n)
	}

	limiter, closeLimiter, err := newLimiter(cfg.RateLimit)
	if err != nil {
		return err
	}
	defer closeLimiter()
	admission := ratelimit.NewController(limiter, cfg.RateLimit.Limits())
	admission.Start(cfg.RateLimit.SweepInterval)
	defer admission.Stop()

	if cfg.Server.Token == "" {
		slog.Warn("server.token not set; mutations are unauthenticated")
	}
	handler, err := api.NewServerHandler(api.ServerDeps{
		Store:   store,
		Limiter: admission,
		Token:   cfg.Server.Token,
		Logger:  slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("building API: %w", err)
	}

	// New ceilings apply without restart.
	err = config.Watch(ctx, config.FilePath(), func(c config.Config) {
		admission.SetLimits(c.RateLimit.Limits())
		slog.Info("rate limits reloaded", "limits", admission.Limits())
	}, func(err error) {
		slog.Warn("config reload failed", "error", err)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "error", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "relief listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runAgent() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if pid, err := readPIDFile(pidPath); err == nil && processAlive(pid) {
		printWarning("relief agent is already running (PID %d)", pid)
		return fmt.Errorf("agent already running (PID %d)", pid)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	cached := env.engine.Init(ctx)
	for _, col := range storage.Collections {
		slog.Info("serving cached records", "collection", col, "count", len(cached[col]))
	}
	slog.Info("sync agent started",
		"server", cfg.Client.ServerURL,
		"online", env.monitor.Online(),
		"queued", env.queue.Len(),
		"connectivity", cfg.Sync.Connectivity,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := ignoreCanceled(env.monitor.Run(gctx, env.source()))
		if err != nil && cfg.Sync.Connectivity == "networkmanager" {
			slog.Warn("networkmanager unavailable, probing the server instead", "error", err)
			err = ignoreCanceled(env.monitor.Run(gctx, env.prober()))
		}
		return err
	})
	g.Go(func() error {
		return ignoreCanceled(env.engine.Run(gctx))
	})
	err = g.Wait()
	fmt.Fprintln(os.Stderr, "shutting down...")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func stopAgent() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("relief agent is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop relief agent (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to relief agent (PID %d)", pid)
	return nil
}
