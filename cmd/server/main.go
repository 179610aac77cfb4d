package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/muandane/special-stack/imgwarm/internal/cache"
	"github.com/muandane/special-stack/imgwarm/internal/config"
	"github.com/muandane/special-stack/imgwarm/internal/fetch"
	"github.com/muandane/special-stack/imgwarm/internal/logging"
	"github.com/muandane/special-stack/imgwarm/internal/router"
	"github.com/muandane/special-stack/imgwarm/internal/storage"
)

const shutdownTimeout = 10 * time.Second

var configFile string

// app holds everything a command needs.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *cache.Manager
	close   func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.Log)

	kv, closeKV, err := openKV(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	manager := cache.NewManager(kv, fetch.NewFetcher(cfg.Fetch, logger),
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithCapacity(cfg.Cache.Capacity),
		cache.WithConcurrency(cfg.Cache.Concurrency),
		cache.WithStorageKey(cfg.Cache.MetadataKey),
		cache.WithLogger(logger),
	)

	return &app{cfg: cfg, logger: logger, manager: manager, close: closeKV}, nil
}

func openKV(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.KV, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return storage.NewMemoryKV(), noop, nil
	case config.BackendSQLite:
		kv, err := storage.NewSQLiteKV(ctx, cfg.Storage.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return kv, kv.Close, nil
	case config.BackendS3:
		kv, err := storage.NewS3KV(ctx, &cfg.Storage, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open s3 store: %w", err)
		}
		return kv, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func runServe(ctx context.Context, a *app) error {
	a.manager.Initialize(ctx)
	a.manager.StartJanitor(ctx, a.cfg.Cache.JanitorInterval)

	handler := router.NewRouter(a.logger).Setup(a.manager, a.cfg.Access)
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", "addr", a.cfg.Server.Addr, "storage", a.cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)

	// Storage closes after runServe returns; let queued batches persist first.
	if werr := a.manager.Wait(shutdownCtx); werr != nil {
		a.logger.Warn("background prefetch still running at shutdown", "error", werr, "pending", a.manager.Pending())
	}
	return err
}

func withApp(run func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() {
			if err := a.close(); err != nil {
				a.logger.Warn("failed to close storage", "error", err)
			}
		}()
		return run(cmd, args, a)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "imgwarm",
		Short: "Image prefetch cache manager",
		Long: `imgwarm keeps a bounded, persisted record of which remote images are warm
and prefetches the rest with bounded concurrency.

Run without a subcommand to start the HTTP server.`,
		SilenceUsage: true,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			return runServe(cmd.Context(), a)
		}),
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (yaml, toml or json)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP server",
			Args:  cobra.NoArgs,
			RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
				return runServe(cmd.Context(), a)
			}),
		},
		newWarmCmd(),
		&cobra.Command{
			Use:   "stats",
			Short: "Print cache statistics",
			Args:  cobra.NoArgs,
			RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
				return printStats(cmd, a.manager.Stats(cmd.Context()))
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every cache entry and the persisted record",
			Args:  cobra.NoArgs,
			RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
				a.manager.ClearAll(cmd.Context())
				cmd.Println("cache cleared")
				return nil
			}),
		},
	)
	return root
}

func newWarmCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "warm URI...",
		Short: "Prefetch the given image URIs and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			n := concurrency
			if n == 0 {
				n = a.manager.Concurrency()
			}
			res := a.manager.PrefetchBatch(cmd.Context(), args, n)
			cmd.Printf("requested=%d skipped=%d enqueued=%d\n", res.Requested, res.Skipped, res.Enqueued)
			for _, uri := range args {
				cmd.Printf("%s cached=%t\n", uri, a.manager.IsCached(cmd.Context(), uri))
			}
			return nil
		}),
	}
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "parallel fetches per batch (default from config)")
	return cmd
}

func printStats(cmd *cobra.Command, s cache.Stats) error {
	oldest := "none"
	if s.OldestTimestamp != nil {
		oldest = time.UnixMilli(*s.OldestTimestamp).UTC().Format(time.RFC3339)
	}
	cmd.Printf("entries:        %d/%d\n", s.Count, s.Capacity)
	cmd.Printf("oldest:         %s\n", oldest)
	cmd.Printf("ttl:            %s\n", time.Duration(s.TTLMillis)*time.Millisecond)
	cmd.Printf("pending:        %d\n", s.Pending)
	cmd.Printf("hits/misses:    %d/%d\n", s.Hits, s.Misses)
	cmd.Printf("fetches:        %d (%d failed)\n", s.Fetches, s.FetchFailures)
	cmd.Printf("evictions:      %d\n", s.Evictions)
	cmd.Printf("expirations:    %d\n", s.Expirations)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
