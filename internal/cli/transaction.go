package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/liamcoop/rulesflow/dispatcher"
	"github.com/liamcoop/rulesflow/submission"
)

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	var objectsPath, rulesPath, ruleSetID string

	cmd := &cobra.Command{
		Use:   "submit --objects <file> (--rules <file> | --rule-set <id>)",
		Short: "Queue a transaction on the engine",
		Long: `Upload an objects document together with either a rules document or the
id of a stored rule set. The engine assigns the transaction id.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, rootOpts, objectsPath, rulesPath, ruleSetID)
		},
	}

	cmd.Flags().StringVar(&objectsPath, "objects", "", "path to the objects JSON document")
	cmd.Flags().StringVar(&rulesPath, "rules", "", "path to the rules JSON document")
	cmd.Flags().StringVar(&ruleSetID, "rule-set", "", "id of a stored rule set to evaluate")
	_ = cmd.MarkFlagRequired("objects")
	cmd.MarkFlagsOneRequired("rules", "rule-set")
	cmd.MarkFlagsMutuallyExclusive("rules", "rule-set")

	return cmd
}

func runSubmit(cmd *cobra.Command, opts *RootOptions, objectsPath, rulesPath, ruleSetID string) error {
	out := opts.formatter(cmd)

	payload := map[string]any{}
	objects, err := readJSONFile(objectsPath)
	if err != nil {
		return fail(out, ExitCommandError, "E_INPUT", err)
	}
	payload["objects"] = objects

	if ruleSetID != "" {
		payload["ruleSetId"] = ruleSetID
	} else {
		rulesDoc, err := readJSONFile(rulesPath)
		if err != nil {
			return fail(out, ExitCommandError, "E_INPUT", err)
		}
		payload["rules"] = rulesDoc
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fail(out, ExitCommandError, "E_INPUT", err)
	}
	// the engine would reject it anyway; fail before the round trip
	if _, err := submission.Validate(body); err != nil {
		return fail(out, ExitCommandError, "E_INVALID", err)
	}

	resp, err := opts.client().Submit(cmd.Context(), body)
	if err != nil {
		return fail(out, ExitCommandError, "E_ENGINE", err)
	}
	return out.Success(resp, fmt.Sprintf("Transaction folder name : %s\nLocation : %s", resp.TransactionID, resp.Location))
}

// NewTriggerCommand creates the trigger command.
func NewTriggerCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <transaction-id>",
		Short: "Process a queued transaction and report its outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			outcome, err := rootOpts.client().Trigger(cmd.Context(), args[0])
			if err != nil {
				return fail(out, ExitCommandError, "E_ENGINE", err)
			}
			if err := out.Success(outcome, describeOutcome(outcome)); err != nil {
				return err
			}
			if outcome.Status != dispatcher.StatusSuccess {
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("transaction %s: %s", outcome.TransactionID, outcome.Status)}
			}
			return nil
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <transaction-id>",
		Short: "Show where a transaction currently stands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			outcome, err := rootOpts.client().Status(cmd.Context(), args[0])
			if err != nil {
				return fail(out, ExitCommandError, "E_ENGINE", err)
			}
			if err := out.Success(outcome, describeOutcome(outcome)); err != nil {
				return err
			}
			switch outcome.Status {
			case dispatcher.StatusNotFound, dispatcher.StatusInvalidName:
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("transaction %s: %s", outcome.TransactionID, outcome.Status)}
			}
			return nil
		},
	}
}

func describeOutcome(o dispatcher.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", o.Status, o.TransactionID)
	if o.Message != "" {
		fmt.Fprintf(&b, "\n  %s", o.Message)
	}
	if o.Location != "" {
		fmt.Fprintf(&b, "\n  location: %s", o.Location)
	}
	if len(o.Result) > 0 {
		fmt.Fprintf(&b, "\n  result: %s", o.Result)
	}
	if len(o.Details) > 0 {
		fmt.Fprintf(&b, "\n  details: %s", o.Details)
	}
	return b.String()
}

// fail reports err through the formatter and returns it with an exit code
func fail(out *OutputFormatter, code int, errCode string, err error) error {
	if werr := out.Error(errCode, err.Error(), nil); werr != nil {
		return werr
	}
	return WrapExitError(code, errCode, err)
}

func readJSONFile(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s is not valid JSON", path)
	}
	return json.RawMessage(data), nil
}
