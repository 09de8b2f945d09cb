// Command engine serves the transaction API: triggers, status lookups,
// submissions and rule sets.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/liamcoop/rulesflow/dispatcher"
	"github.com/liamcoop/rulesflow/internal/config"
	"github.com/liamcoop/rulesflow/internal/logger"
	"github.com/liamcoop/rulesflow/lease"
	"github.com/liamcoop/rulesflow/rules"
	"github.com/liamcoop/rulesflow/rulesets"
	"github.com/liamcoop/rulesflow/storage"
	"github.com/liamcoop/rulesflow/submission"
	"github.com/liamcoop/rulesflow/transaction"
	"github.com/liamcoop/rulesflow/workflow"
)

func main() {
	configPath := flag.String("config", os.Getenv("RULESFLOW_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, shutdownLogs, err := logger.Setup(ctx, cfg.Log, os.Stdout)
	if err != nil {
		return err
	}
	defer shutdownLogs(context.Background())

	redisClient, err := lease.Dial(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	engine, err := rules.NewEngine()
	if err != nil {
		return fmt.Errorf("failed to create rule engine: %w", err)
	}

	dial, err := storage.Open(ctx, cfg.Storage.Config)
	if err != nil {
		return err
	}
	storageOpts := cfg.StorageOptions(log)
	if err := ensureLayout(ctx, dial, cfg.Storage.Layout, storageOpts); err != nil {
		return err
	}

	wf := workflow.New(cfg.WorkflowSettings(),
		lease.NewLocker(redisClient, cfg.Workflow.LockTTL, log),
		lease.NewCounter(redisClient, cfg.Workflow.CheckCountTTL),
		engine, log)
	disp := dispatcher.New(cfg.DispatcherSettings(), wf, dial, log, storageOpts...)

	checks := map[string]func(context.Context) error{
		"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		"storage": func(ctx context.Context) error {
			remote, err := dial(ctx)
			if err != nil {
				return err
			}
			defer remote.Close()
			ok, err := remote.Exists(ctx, cfg.Storage.Layout.Queue)
			if err == nil && !ok {
				err = fmt.Errorf("queue root %s is missing", cfg.Storage.Layout.Queue)
			}
			return err
		},
	}

	var store rulesets.Store = rulesets.NewInMemoryStore()
	if cfg.Database.URL != "" {
		db, err := openDatabase(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer db.Close()
		store = rulesets.NewPostgresStore(db)
		checks["database"] = db.PingContext
	} else {
		log.Warn("no database configured, rule sets are kept in memory")
	}
	library := rulesets.NewLibrary(store, rulesets.NewInMemoryCache(rulesets.CacheConfig{TTL: cfg.Database.CacheTTL}), engine, log)

	server := NewServer(Options{
		Dispatcher:     disp,
		Submitter:      submission.NewSubmitter(cfg.Storage.Layout, library, cfg.Workflow.TempDir, log),
		Library:        library,
		Dial:           dial,
		StorageOptions: storageOpts,
		Checks:         checks,
		RequestTimeout: cfg.Server.WriteTimeout,
		Logger:         log,
	})

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", httpServer.Addr, "storage", cfg.Storage.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
		return err
	}
	log.Info("server stopped")
	return nil
}

func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// ensureLayout creates the four location roots so a fresh deployment can
// accept submissions straight away.
func ensureLayout(ctx context.Context, dial storage.Dialer, layout transaction.Layout, opts []storage.Option) error {
	fs, err := storage.Connect(ctx, dial, opts...)
	if err != nil {
		return err
	}
	defer fs.Close()

	roots := make([]string, 0, len(transaction.Locations))
	for _, loc := range transaction.Locations {
		roots = append(roots, layout.Root(loc))
	}
	if err := fs.EnsureDirs(ctx, roots...); err != nil {
		return fmt.Errorf("failed to create storage locations: %w", err)
	}
	return nil
}
