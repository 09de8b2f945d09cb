package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/liamcoop/rulesflow/rules"
	"github.com/liamcoop/rulesflow/transaction"
)

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	var objectsPath, rulesPath string

	cmd := &cobra.Command{
		Use:   "evaluate --rules <file> --objects <file>",
		Short: "Evaluate rules against objects locally",
		Long: `Run the rule engine on local files without contacting the engine service.
The output is what the engine would write as results.json.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd, rootOpts, objectsPath, rulesPath)
		},
	}

	cmd.Flags().StringVar(&objectsPath, "objects", "", "path to the objects JSON document")
	cmd.Flags().StringVar(&rulesPath, "rules", "", "path to the rules JSON document")
	_ = cmd.MarkFlagRequired("objects")
	_ = cmd.MarkFlagRequired("rules")

	return cmd
}

func runEvaluate(cmd *cobra.Command, opts *RootOptions, objectsPath, rulesPath string) error {
	out := opts.formatter(cmd)

	objects, err := decodeFile(objectsPath)
	if err != nil {
		return fail(out, ExitCommandError, "E_INPUT", err)
	}
	rulesDoc, err := decodeFile(rulesPath)
	if err != nil {
		return fail(out, ExitCommandError, "E_INPUT", err)
	}

	engine, err := rules.NewEngine()
	if err != nil {
		return fail(out, ExitCommandError, "E_ENGINE", err)
	}
	result, err := engine.EvaluateDocuments(objects, rulesDoc)
	if err != nil {
		return fail(out, ExitFailure, "E_RULES", err)
	}

	encoded, err := json.MarshalIndent(result, "", "    ")
	if err != nil {
		return err
	}
	return out.Success(json.RawMessage(encoded), string(encoded))
}

func decodeFile(path string) (any, error) {
	data, err := readJSONFile(path)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// NewIDCommand creates the id command group.
func NewIDCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Generate or check transaction ids",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Print a new transaction id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := transaction.Generate()
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(map[string]string{"transaction_id": id}, id)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <name>",
		Short: "Check a folder name against the transaction id format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			name := args[0]
			ts, err := transaction.Timestamp(name)
			if err != nil {
				return fail(out, ExitFailure, "E_INVALID", err)
			}
			return out.Success(map[string]any{"transaction_id": name, "valid": true, "timestamp": ts},
				fmt.Sprintf("%s is valid (created %s)", name, ts.Format(time.DateTime)))
		},
	})

	return cmd
}
