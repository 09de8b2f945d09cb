// Package submission accepts a combined rules and objects document, assigns
// it a transaction id and stages it into the queue location.
package submission

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/liamcoop/rulesflow/rulesets"
	"github.com/liamcoop/rulesflow/storage"
	"github.com/liamcoop/rulesflow/transaction"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://rulesflow.local/schemas/submission.schema.json"

var (
	// ErrInvalidSubmission wraps every validation failure
	ErrInvalidSubmission = errors.New("invalid submission")
	// ErrUnknownRuleSet is returned when ruleSetId does not resolve
	ErrUnknownRuleSet = errors.New("unknown rule set")
)

var schema = compileSchema()

func compileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader([]byte(schemaJSON))); err != nil {
		panic(fmt.Sprintf("submission schema load failed: %v", err))
	}
	return c.MustCompile(schemaURL)
}

// Request is a validated submission
type Request struct {
	Objects   json.RawMessage `json:"objects"`
	Rules     json.RawMessage `json:"rules,omitempty"`
	RuleSetID string          `json:"ruleSetId,omitempty"`
}

// Validate checks payload against the submission schema and decodes it
func Validate(payload []byte) (Request, error) {
	var req Request

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	if err := schema.Validate(doc); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidSubmission, describe(err))
	}

	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	return req, nil
}

// describe flattens a schema error into its most specific cause
func describe(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, ve.Message)
}

// Resolver looks up the rules document of a stored rule set
type Resolver interface {
	Resolve(ctx context.Context, id string) (json.RawMessage, error)
}

// Receipt identifies a staged transaction
type Receipt struct {
	TransactionID string `json:"transaction_id"`
	Location      string `json:"location"`
	Message       string `json:"result"`
}

// Submitter stages submissions into the queue
type Submitter struct {
	layout   transaction.Layout
	resolver Resolver
	stageDir string
	logger   *slog.Logger
	newID    func() (string, error)
}

// NewSubmitter creates a Submitter. resolver may be nil when rule sets are
// not available; stageDir defaults to the OS temp directory.
func NewSubmitter(layout transaction.Layout, resolver Resolver, stageDir string, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Submitter{
		layout:   layout,
		resolver: resolver,
		stageDir: stageDir,
		logger:   logger,
		newID:    transaction.Generate,
	}
}

// Submit assigns an id to req and uploads its inputs into the queue. The
// rules document is uploaded first, then the objects.
func (s *Submitter) Submit(ctx context.Context, fs *storage.Client, req Request) (Receipt, error) {
	rulesDoc := req.Rules
	if req.RuleSetID != "" {
		if s.resolver == nil {
			return Receipt{}, fmt.Errorf("%w: %s", ErrUnknownRuleSet, req.RuleSetID)
		}
		resolved, err := s.resolver.Resolve(ctx, req.RuleSetID)
		if errors.Is(err, rulesets.ErrNotFound) {
			return Receipt{}, fmt.Errorf("%w: %s: %w", ErrUnknownRuleSet, req.RuleSetID, err)
		}
		if err != nil {
			return Receipt{}, fmt.Errorf("resolving rule set %s: %w", req.RuleSetID, err)
		}
		rulesDoc = resolved
	}

	id, err := s.newID()
	if err != nil {
		return Receipt{}, err
	}
	logger := s.logger.With("transaction_id", id)

	staging, err := os.MkdirTemp(s.stageDir, "submission-*")
	if err != nil {
		return Receipt{}, fmt.Errorf("creating staging directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			logger.Warn("failed to remove staging directory", "path", staging, "error", err)
		}
	}()

	files := []struct {
		name string
		doc  json.RawMessage
	}{
		{transaction.RulesFile, rulesDoc},
		{transaction.ObjectsFile, req.Objects},
	}
	for _, f := range files {
		if err := writeIndented(filepath.Join(staging, f.name), f.doc); err != nil {
			return Receipt{}, err
		}
	}

	dir := s.layout.Dir(transaction.Queue, id)
	if err := fs.EnsureDirs(ctx, dir); err != nil {
		return Receipt{}, err
	}
	for _, f := range files {
		if err := fs.Put(ctx, filepath.Join(staging, f.name), s.layout.File(transaction.Queue, id, f.name)); err != nil {
			logger.Error("upload failed", "file", f.name, "error", err)
			return Receipt{}, fmt.Errorf("uploading transaction %s: %w", id, err)
		}
	}

	logger.Info("transaction queued", "location", dir, "rule_set_id", req.RuleSetID)
	return Receipt{
		TransactionID: id,
		Location:      dir,
		Message:       fmt.Sprintf("Transaction folder name : %s. Please check storage for results after some time.", id),
	}, nil
}

func writeIndented(path string, doc json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, doc, "", "    "); err != nil {
		return fmt.Errorf("formatting %s: %w", filepath.Base(path), err)
	}
	buf.WriteByte('\n')
	return os.WriteFile(path, buf.Bytes(), 0644)
}
