// Package workflow runs the per-transaction state machine: completeness
// check, parse, evaluate, publish the terminal artifact, relocate.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/liamcoop/rulesflow/lease"
	"github.com/liamcoop/rulesflow/rules"
	"github.com/liamcoop/rulesflow/storage"
	"github.com/liamcoop/rulesflow/transaction"
)

// DefaultMaxChecks is how many incomplete sightings are tolerated before a warning
const DefaultMaxChecks = 3

// ErrNotQueued is returned when the transaction folder is no longer in the queue
var ErrNotQueued = errors.New("transaction is not in the queue")

// Config holds workflow settings
type Config struct {
	Layout    transaction.Layout
	MaxChecks int
}

// Report describes what one invocation did
type Report struct {
	ID         string
	State      transaction.State
	Location   transaction.Location
	CheckCount int
	Artifact   string // file written by this invocation, if any
	Contended  bool   // the lock was held by someone else
}

// Workflow processes transactions found in the queue location
type Workflow struct {
	layout    transaction.Layout
	maxChecks int
	locker    *lease.Locker
	counter   *lease.Counter
	engine    *rules.Engine
	logger    *slog.Logger
}

// New creates a Workflow
func New(cfg Config, locker *lease.Locker, counter *lease.Counter, engine *rules.Engine, logger *slog.Logger) *Workflow {
	if cfg.MaxChecks <= 0 {
		cfg.MaxChecks = DefaultMaxChecks
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Workflow{
		layout:    cfg.Layout,
		maxChecks: cfg.MaxChecks,
		locker:    locker,
		counter:   counter,
		engine:    engine,
		logger:    logger,
	}
}

// Layout returns the storage layout the workflow operates on
func (w *Workflow) Layout() transaction.Layout {
	return w.layout
}

// MaxChecks returns the incomplete-check budget
func (w *Workflow) MaxChecks() int {
	return w.maxChecks
}

// CheckCount returns the stored incomplete-check count for id
func (w *Workflow) CheckCount(ctx context.Context, id string) (int, bool, error) {
	return w.counter.Get(ctx, id)
}

// Handle validates id and runs one invocation under the transaction lock.
// Lock contention is not an error: the report has Contended set.
func (w *Workflow) Handle(ctx context.Context, fs *storage.Client, id string) (Report, error) {
	if err := transaction.Check(id); err != nil {
		return Report{ID: id, State: transaction.StateDetected}, err
	}

	var report Report
	acquired, err := w.locker.WithLock(ctx, id, func(ctx context.Context) error {
		var err error
		report, err = w.Process(ctx, fs, id)
		return err
	})
	if errors.Is(err, ErrNotQueued) {
		w.logger.Info("transaction already left the queue", "transaction_id", id)
		return report, err
	}
	if err != nil {
		w.logger.Error("transaction invocation failed", "transaction_id", id, "state", report.State, "error", err)
		return report, err
	}
	if !acquired {
		w.logger.Warn("skipping transaction, lock held elsewhere", "transaction_id", id, "lock_key", id)
		return Report{ID: id, State: transaction.StateDetected, Contended: true}, nil
	}
	return report, nil
}

// Process runs a single invocation. The caller must hold the lock for id.
// Input, parse and evaluation failures become artifacts; only storage and
// lock service failures are returned as errors, leaving the queue untouched.
func (w *Workflow) Process(ctx context.Context, fs *storage.Client, id string) (Report, error) {
	logger := w.logger.With("transaction_id", id)

	if !fs.Exists(ctx, w.layout.Dir(transaction.Queue, id)) {
		return w.report(id, transaction.StateDetected, 0), fmt.Errorf("%w: %s", ErrNotQueued, id)
	}

	if report, resumed, err := w.resume(ctx, fs, id); resumed || err != nil {
		return report, err
	}

	count, err := w.counter.Increment(ctx, id)
	if err != nil {
		return w.report(id, transaction.StateLocked, 0), err
	}
	logger.Info("transaction checked", "check_count", count)

	objectsPresent := fs.Exists(ctx, w.layout.File(transaction.Queue, id, transaction.ObjectsFile))
	rulesPresent := fs.Exists(ctx, w.layout.File(transaction.Queue, id, transaction.RulesFile))

	if !objectsPresent || !rulesPresent {
		if count < w.maxChecks {
			logger.Warn("inputs incomplete, waiting", "check_count", count,
				"objects_present", objectsPresent, "rules_present", rulesPresent)
			return w.report(id, transaction.StateIncomplete, count), nil
		}
		return w.abandon(ctx, fs, id, count, objectsPresent, rulesPresent)
	}

	// objects are parsed first; a parse failure there leaves rules unread
	objects, err := w.load(ctx, fs, id, transaction.ObjectsFile)
	if err != nil {
		return w.failInput(ctx, fs, id, count, err)
	}
	rulesDoc, err := w.load(ctx, fs, id, transaction.RulesFile)
	if err != nil {
		return w.failInput(ctx, fs, id, count, err)
	}

	result, err := w.evaluate(objects, rulesDoc)
	if err != nil {
		logger.Error("rule evaluation failed", "error", err)
		return w.finish(ctx, fs, id, count, transaction.StateProcessingError, transaction.ErrorFile,
			&ProcessingError{ID: id, Cause: err})
	}

	logger.Info("rules evaluated", "matches", len(result.Matches))
	return w.finish(ctx, fs, id, count, transaction.StateProcessed, transaction.ResultsFile, result)
}

func (w *Workflow) report(id string, state transaction.State, count int) Report {
	return Report{ID: id, State: state, Location: state.Location(), CheckCount: count}
}

// abandon writes the warning artifact into the queue folder and resets the count
func (w *Workflow) abandon(ctx context.Context, fs *storage.Client, id string, count int, objectsPresent, rulesPresent bool) (Report, error) {
	report := w.report(id, transaction.StateAbandoned, count)

	if err := fs.PutJSON(ctx, w.layout.File(transaction.Queue, id, transaction.WarningFile),
		newWarning(objectsPresent, rulesPresent)); err != nil {
		return report, err
	}
	report.Artifact = transaction.WarningFile

	w.clearCount(ctx, id)
	w.logger.Warn("inputs still incomplete, warning written", "transaction_id", id, "check_count", count,
		"objects_present", objectsPresent, "rules_present", rulesPresent)
	return report, nil
}

// failInput routes parse errors to failed; anything else is transient
func (w *Workflow) failInput(ctx context.Context, fs *storage.Client, id string, count int, err error) (Report, error) {
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		w.logger.Error("input is not valid JSON", "transaction_id", id, "file", parseErr.Filename, "error", parseErr.Details)
		return w.finish(ctx, fs, id, count, transaction.StateInvalidInput, transaction.ErrorFile, parseErr)
	}
	return w.report(id, transaction.StateLocked, count), err
}

// load reads and decodes one input document
func (w *Workflow) load(ctx context.Context, fs *storage.Client, id, name string) (any, error) {
	data, err := fs.ReadFile(ctx, w.layout.File(transaction.Queue, id, name))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}

	doc, err := decodeDocument(data)
	if err != nil {
		return nil, &ParseError{Message: ParseErrorMessage, Filename: name, Details: err.Error()}
	}
	return doc, nil
}

func (w *Workflow) evaluate(objects, rulesDoc any) (result rules.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during evaluation: %v", r)
		}
	}()
	return w.engine.EvaluateDocuments(objects, rulesDoc)
}

// finish publishes the terminal artifact, relocates the folder and clears the count
func (w *Workflow) finish(ctx context.Context, fs *storage.Client, id string, count int, state transaction.State, file string, artifact any) (Report, error) {
	report := Report{ID: id, State: state, Location: transaction.Queue, CheckCount: count}

	if err := fs.PutJSON(ctx, w.layout.File(transaction.Queue, id, file), artifact); err != nil {
		return report, err
	}
	report.Artifact = file

	dst := state.Location()
	if err := fs.MoveFolder(ctx, w.layout.Root(transaction.Queue), w.layout.Root(dst), id); err != nil {
		return report, err
	}
	report.Location = dst

	w.clearCount(ctx, id)
	w.logger.Info("transaction finished", "transaction_id", id, "state", state, "location", dst)
	return report, nil
}

// resume completes a relocation that an earlier invocation started: a
// terminal artifact already sits in the queue folder or at its destination.
func (w *Workflow) resume(ctx context.Context, fs *storage.Client, id string) (Report, bool, error) {
	terminal := []struct {
		file  string
		state transaction.State
	}{
		{transaction.ResultsFile, transaction.StateProcessed},
		{transaction.ErrorFile, transaction.StateProcessingError},
	}

	for _, t := range terminal {
		dst := t.state.Location()
		if !fs.Exists(ctx, w.layout.File(transaction.Queue, id, t.file)) &&
			!fs.Exists(ctx, w.layout.File(dst, id, t.file)) {
			continue
		}

		w.logger.Warn("resuming interrupted relocation", "transaction_id", id, "location", dst)
		report := Report{ID: id, State: t.state, Location: transaction.Queue}
		if err := fs.MoveFolder(ctx, w.layout.Root(transaction.Queue), w.layout.Root(dst), id); err != nil {
			return report, true, err
		}
		report.Location = dst
		w.clearCount(ctx, id)
		return report, true, nil
	}
	return Report{}, false, nil
}

func (w *Workflow) clearCount(ctx context.Context, id string) {
	if err := w.counter.Clear(context.WithoutCancel(ctx), id); err != nil {
		// the count expires on its own
		w.logger.Warn("failed to clear check count", "transaction_id", id, "error", err)
	}
}
