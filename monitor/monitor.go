// Package monitor periodically scans the queue location, rejects folders
// with invalid names and hands valid ones to the engine through a bounded
// pool of workers.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/rulesflow/dispatcher"
	"github.com/liamcoop/rulesflow/lease"
	"github.com/liamcoop/rulesflow/storage"
	"github.com/liamcoop/rulesflow/transaction"
)

// EngineCallFailedMessage is written when every trigger attempt failed
const EngineCallFailedMessage = "Processing error for folder : Engine call from monitor failed"

// Trigger asks the engine to process one transaction
type Trigger interface {
	Trigger(ctx context.Context, id string) (dispatcher.Outcome, error)
}

// Config holds monitor settings
type Config struct {
	Interval   time.Duration `yaml:"interval"`
	StartDelay time.Duration `yaml:"start_delay"`
	Attempts   int           `yaml:"attempts"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Workers    int           `yaml:"workers"`
}

// DefaultConfig scans every minute with up to 8 concurrent workers
func DefaultConfig() Config {
	return Config{
		Interval:   60 * time.Second,
		StartDelay: 2 * time.Second,
		Attempts:   3,
		RetryDelay: 10 * time.Second,
		Workers:    8,
	}
}

// ScanReport summarizes one pass over the queue
type ScanReport struct {
	Seen       int
	Rejected   []string
	Dispatched []string
	Skipped    []string // locked by another worker or pool saturated
}

// WorkerResult is published once per dispatched folder
type WorkerResult struct {
	ID       string
	Attempts int
	Outcome  dispatcher.Outcome
	// MovedToFailed is set when the worker gave up and relocated the folder
	MovedToFailed bool
	Err           error
}

// Monitor owns the scan loop and its workers
type Monitor struct {
	cfg         Config
	layout      transaction.Layout
	dial        storage.Dialer
	storageOpts []storage.Option
	locker      *lease.Locker
	trigger     Trigger
	logger      *slog.Logger

	workers errgroup.Group
	results chan WorkerResult
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Monitor
func New(cfg Config, layout transaction.Layout, dial storage.Dialer, locker *lease.Locker, trigger Trigger, logger *slog.Logger, storageOpts ...storage.Option) *Monitor {
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaults.Attempts
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	m := &Monitor{
		cfg:         cfg,
		layout:      layout,
		dial:        dial,
		storageOpts: storageOpts,
		locker:      locker,
		trigger:     trigger,
		logger:      logger,
		results:     make(chan WorkerResult, cfg.Workers*4),
		sleep:       sleepContext,
	}
	m.workers.SetLimit(cfg.Workers)
	return m
}

// Results delivers one WorkerResult per finished worker. The channel is
// closed when Run returns. Results nobody reads are dropped.
func (m *Monitor) Results() <-chan WorkerResult {
	return m.results
}

// Run scans immediately and then once per interval until ctx is done. It
// waits for in-flight workers before returning. A storage connect failure
// ends the loop with an error.
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.results)
	defer m.Wait()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("monitor started", "interval", m.cfg.Interval, "workers", m.cfg.Workers)
	for {
		report, err := m.Scan(ctx)
		switch {
		case errors.Is(err, storage.ErrConnect):
			return err
		case err != nil && ctx.Err() == nil:
			m.logger.Error("queue scan failed", "error", err)
		case err == nil:
			m.logger.Info("queue scanned", "seen", report.Seen, "dispatched", len(report.Dispatched),
				"rejected", len(report.Rejected), "skipped", len(report.Skipped))
		}

		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopping, waiting for workers")
			return nil
		case <-ticker.C:
		}
	}
}

// Wait blocks until every dispatched worker has finished
func (m *Monitor) Wait() {
	_ = m.workers.Wait()
}

// Scan makes one pass over the queue
func (m *Monitor) Scan(ctx context.Context) (ScanReport, error) {
	var report ScanReport

	fs, err := storage.Connect(ctx, m.dial, m.storageOpts...)
	if err != nil {
		return report, err
	}
	defer fs.Close()

	names, err := fs.ListDirs(ctx, m.layout.Root(transaction.Queue))
	if err != nil {
		return report, fmt.Errorf("listing queue: %w", err)
	}
	report.Seen = len(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		if !transaction.Validate(name) {
			if err := m.reject(ctx, fs, name); err != nil {
				m.logger.Error("failed to reject folder", "folder", name, "error", err)
				continue
			}
			report.Rejected = append(report.Rejected, name)
			continue
		}

		if m.dispatch(ctx, name) {
			report.Dispatched = append(report.Dispatched, name)
		} else {
			report.Skipped = append(report.Skipped, name)
		}
	}
	return report, nil
}

// reject tags a misnamed folder with an error artifact and moves it aside
func (m *Monitor) reject(ctx context.Context, fs *storage.Client, name string) error {
	m.logger.Warn("folder name ineligible for processing", "folder", name)

	msg := fmt.Sprintf("Folder - %s ineligible for engine processing as per nomenclature", name)
	if err := fs.PutJSON(ctx, m.layout.File(transaction.Queue, name, transaction.ErrorFile),
		map[string]string{"error": msg}); err != nil {
		return err
	}
	return fs.MoveFolder(ctx, m.layout.Root(transaction.Queue), m.layout.Root(transaction.Rejected), name)
}

func monitorKey(id string) string {
	return id + ":monitor"
}

// dispatch starts a worker for id unless one already owns it or the pool is full
func (m *Monitor) dispatch(ctx context.Context, id string) bool {
	held, ok, err := m.locker.Acquire(ctx, monitorKey(id))
	if err != nil {
		m.logger.Error("failed to acquire monitor lock", "transaction_id", id, "error", err)
		return false
	}
	if !ok {
		m.logger.Debug("folder already being handled", "transaction_id", id)
		return false
	}

	started := m.workers.TryGo(func() error {
		m.work(ctx, id, held)
		return nil
	})
	if !started {
		m.logger.Warn("worker pool saturated, retrying next scan", "transaction_id", id)
		m.release(ctx, held)
	}
	return started
}

func (m *Monitor) release(ctx context.Context, held *lease.Lease) {
	if err := m.locker.Release(context.WithoutCancel(ctx), held); err != nil {
		m.logger.Error("failed to release monitor lock", "lock_key", held.Key, "error", err)
	}
}

// work triggers the engine until the folder is processed or attempts run out
func (m *Monitor) work(ctx context.Context, id string, held *lease.Lease) {
	logger := m.logger.With("transaction_id", id)
	res := WorkerResult{ID: id}
	defer func() {
		m.release(ctx, held)
		m.publish(res)
	}()

	if err := m.sleep(ctx, m.cfg.StartDelay); err != nil {
		res.Err = err
		return
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.Attempts; attempt++ {
		res.Attempts = attempt

		out, err := m.trigger.Trigger(ctx, id)
		if err == nil {
			res.Outcome = out
			if out.Processed {
				logger.Info("folder processed", "status", out.Status, "attempt", attempt)
				return
			}
			logger.Info("folder not processed yet", "status", out.Status, "attempt", attempt)
		} else {
			lastErr = err
			logger.Warn("engine call failed", "attempt", attempt, "error", err)
		}

		if attempt < m.cfg.Attempts {
			if err := m.sleep(ctx, m.cfg.RetryDelay); err != nil {
				res.Err = err
				return
			}
		}
	}
	if ctx.Err() != nil {
		res.Err = ctx.Err()
		return
	}

	moved, err := m.failStuck(ctx, id)
	res.MovedToFailed = moved
	switch {
	case err != nil:
		res.Err = err
		logger.Error("failed to move stuck folder", "error", err)
	case moved:
		res.Err = lastErr
		logger.Error("engine never processed folder, moved to failed", "attempts", res.Attempts, "error", lastErr)
	}
}

// failStuck moves a folder that is still queued after every attempt to failed
func (m *Monitor) failStuck(ctx context.Context, id string) (bool, error) {
	fs, err := storage.Connect(ctx, m.dial, m.storageOpts...)
	if err != nil {
		return false, err
	}
	defer fs.Close()

	queued, err := fs.FolderExists(ctx, m.layout.Root(transaction.Queue), id)
	if err != nil || !queued {
		return false, err
	}

	if err := fs.PutJSON(ctx, m.layout.File(transaction.Queue, id, transaction.ErrorFile),
		map[string]string{"error": EngineCallFailedMessage}); err != nil {
		return false, err
	}
	if err := fs.MoveFolder(ctx, m.layout.Root(transaction.Queue), m.layout.Root(transaction.Failed), id); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Monitor) publish(res WorkerResult) {
	select {
	case m.results <- res:
	default:
		m.logger.Debug("worker result dropped", "transaction_id", res.ID)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
