// Package dispatcher handles an external trigger for one transaction: a
// bounded series of workflow invocations followed by outcome classification.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/liamcoop/rulesflow/storage"
	"github.com/liamcoop/rulesflow/transaction"
	"github.com/liamcoop/rulesflow/workflow"
)

// Status classifies the outcome of a trigger
type Status string

const (
	StatusSuccess       Status = "SUCCESS"
	StatusFailure       Status = "FAILURE"
	StatusNotFound      Status = "NOT_FOUND"
	StatusPending       Status = "PENDING"
	StatusIndeterminate Status = "INDETERMINATE"
	StatusInvalidName   Status = "INVALID_NAME"
)

// Outcome is the structured answer to a trigger or status request
type Outcome struct {
	Status        Status          `json:"status"`
	TransactionID string          `json:"transaction_id"`
	Processed     bool            `json:"processed"`
	Location      string          `json:"location,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// IsProcessed reports whether the transaction reached a terminal artifact
func (s Status) IsProcessed() bool {
	return s == StatusSuccess || s == StatusFailure
}

func newOutcome(status Status, id, message string) Outcome {
	return Outcome{Status: status, TransactionID: id, Processed: status.IsProcessed(), Message: message}
}

// Config holds dispatcher settings
type Config struct {
	FollowUps     int           `yaml:"follow_ups"`
	FollowUpDelay time.Duration `yaml:"follow_up_delay"`
}

// DefaultConfig allows 2 follow-up invocations, 5 seconds apart
func DefaultConfig() Config {
	return Config{FollowUps: 2, FollowUpDelay: 5 * time.Second}
}

// Dispatcher drives the workflow for externally triggered transactions
type Dispatcher struct {
	cfg         Config
	wf          *workflow.Workflow
	dial        storage.Dialer
	storageOpts []storage.Option
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// New creates a Dispatcher. Each trigger opens its own storage connection.
func New(cfg Config, wf *workflow.Workflow, dial storage.Dialer, logger *slog.Logger, storageOpts ...storage.Option) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		cfg:         cfg,
		wf:          wf,
		dial:        dial,
		storageOpts: storageOpts,
		logger:      logger,
		sleep:       sleepContext,
	}
}

// Trigger processes id: one invocation, then up to FollowUps more while the
// inputs are still being waited for. Returned errors are infrastructure
// failures; every transaction-level result is an Outcome.
func (d *Dispatcher) Trigger(ctx context.Context, id string) (Outcome, error) {
	if !transaction.Validate(id) {
		return newOutcome(StatusInvalidName, id, "folder name does not match <18 alphanumeric><DDMMYYYYHHMMSS>"), nil
	}

	fs, err := storage.Connect(ctx, d.dial, d.storageOpts...)
	if err != nil {
		return Outcome{}, err
	}
	defer fs.Close()

	layout := d.wf.Layout()
	queued, err := fs.FolderExists(ctx, layout.Root(transaction.Queue), id)
	if err != nil {
		return Outcome{}, err
	}
	if !queued {
		return newOutcome(StatusNotFound, id, fmt.Sprintf("folder %s not found under %s", id, layout.Root(transaction.Queue))), nil
	}

	if err := d.invoke(ctx, fs, id); err != nil {
		return Outcome{}, err
	}

	for i := 0; i < d.cfg.FollowUps; i++ {
		count, ok, err := d.wf.CheckCount(ctx, id)
		if err != nil {
			return Outcome{}, err
		}
		if !ok || count >= d.wf.MaxChecks() {
			break
		}

		d.logger.Info("inputs incomplete, invoking again", "transaction_id", id, "check_count", count, "attempt", i+2)
		if err := d.sleep(ctx, d.cfg.FollowUpDelay); err != nil {
			return Outcome{}, err
		}
		if err := d.invoke(ctx, fs, id); err != nil {
			return Outcome{}, err
		}
	}

	out, err := d.classify(ctx, fs, id)
	if err != nil {
		return Outcome{}, err
	}
	if out.Status == StatusNotFound {
		// it was queued when we started
		out = newOutcome(StatusIndeterminate, id, fmt.Sprintf("folder %s is neither queued nor finished", id))
	}
	return out, nil
}

func (d *Dispatcher) invoke(ctx context.Context, fs *storage.Client, id string) error {
	report, err := d.wf.Handle(ctx, fs, id)
	if errors.Is(err, workflow.ErrNotQueued) {
		return nil
	}
	if err != nil {
		return err
	}
	d.logger.Debug("invocation finished", "transaction_id", id, "state", report.State, "location", report.Location)
	return nil
}

// Status classifies id from what is currently stored
func (d *Dispatcher) Status(ctx context.Context, id string) (Outcome, error) {
	if !transaction.Validate(id) {
		return newOutcome(StatusInvalidName, id, "folder name does not match <18 alphanumeric><DDMMYYYYHHMMSS>"), nil
	}

	fs, err := storage.Connect(ctx, d.dial, d.storageOpts...)
	if err != nil {
		return Outcome{}, err
	}
	defer fs.Close()

	return d.classify(ctx, fs, id)
}

func (d *Dispatcher) classify(ctx context.Context, fs *storage.Client, id string) (Outcome, error) {
	layout := d.wf.Layout()

	resultsPath := layout.File(transaction.Results, id, transaction.ResultsFile)
	if fs.Exists(ctx, resultsPath) {
		out := newOutcome(StatusSuccess, id,
			fmt.Sprintf("Folder %s underwent processing. Please refer to %s for details.", id, resultsPath))
		out.Location = resultsPath
		if data, err := fs.ReadFile(ctx, resultsPath); err == nil {
			out.Result = asJSON(data)
		} else {
			d.logger.Warn("failed to read results artifact", "transaction_id", id, "error", err)
		}
		return out, nil
	}

	errorPath := layout.File(transaction.Failed, id, transaction.ErrorFile)
	if fs.Exists(ctx, errorPath) {
		out := newOutcome(StatusFailure, id, "An error occurred.")
		out.Location = errorPath
		if data, err := fs.ReadFile(ctx, errorPath); err == nil {
			out.Details = asJSON(data)
		} else {
			d.logger.Warn("failed to read error artifact", "transaction_id", id, "error", err)
		}
		return out, nil
	}

	queued, err := fs.FolderExists(ctx, layout.Root(transaction.Queue), id)
	if err != nil {
		return Outcome{}, err
	}
	if queued {
		out := newOutcome(StatusPending, id, fmt.Sprintf("folder %s is still queued", id))
		warningPath := layout.File(transaction.Queue, id, transaction.WarningFile)
		if fs.Exists(ctx, warningPath) {
			if data, err := fs.ReadFile(ctx, warningPath); err == nil {
				out.Details = asJSON(data)
			}
		}
		return out, nil
	}

	// a relocation that stopped half way leaves the folder without its artifact
	for _, loc := range []transaction.Location{transaction.Results, transaction.Failed} {
		if fs.Exists(ctx, layout.Dir(loc, id)) {
			return newOutcome(StatusIndeterminate, id,
				fmt.Sprintf("folder %s is under %s without a terminal artifact", id, layout.Root(loc))), nil
		}
	}

	return newOutcome(StatusNotFound, id, fmt.Sprintf("folder %s not found", id)), nil
}

// asJSON returns data as is when it is valid JSON, otherwise as a JSON string
func asJSON(data []byte) json.RawMessage {
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
