// Command monitor scans the queue location and triggers the engine for
// every transaction it finds, until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/liamcoop/rulesflow/engineclient"
	"github.com/liamcoop/rulesflow/internal/config"
	"github.com/liamcoop/rulesflow/internal/logger"
	"github.com/liamcoop/rulesflow/lease"
	"github.com/liamcoop/rulesflow/monitor"
	"github.com/liamcoop/rulesflow/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("RULESFLOW_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
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

	dial, err := storage.Open(ctx, cfg.Storage.Config)
	if err != nil {
		return err
	}

	m := monitor.New(cfg.Monitor.Config, cfg.Storage.Layout, dial,
		lease.NewLocker(redisClient, cfg.Workflow.LockTTL, log),
		engineclient.New(cfg.Monitor.EngineURL),
		log, cfg.StorageOptions(log)...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		report(log, m.Results())
	}()

	log.Info("monitor starting",
		"engine_url", cfg.Monitor.EngineURL,
		"queue", cfg.Storage.Layout.Queue,
		"interval", cfg.Monitor.Interval,
		"workers", cfg.Monitor.Workers,
	)
	err = m.Run(ctx)
	<-done
	if err != nil {
		log.Error("monitor stopped", "error", err)
		return err
	}
	log.Info("monitor stopped")
	return nil
}

// report logs every finished worker until the monitor closes the channel
func report(log *slog.Logger, results <-chan monitor.WorkerResult) {
	for res := range results {
		switch {
		case res.Err != nil:
			log.Warn("transaction worker failed", "transaction_id", res.ID, "attempts", res.Attempts, "error", res.Err)
		case res.MovedToFailed:
			log.Warn("transaction moved to failed", "transaction_id", res.ID, "attempts", res.Attempts)
		default:
			log.Info("transaction handled", "transaction_id", res.ID, "attempts", res.Attempts, "status", res.Outcome.Status)
		}
	}
}
