// Package cli implements rulesflowctl, the operator command line
package cli

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/liamcoop/rulesflow/engineclient"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format    string // "json" | "text"
	EngineURL string
	Timeout   time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

func (o *RootOptions) client() *engineclient.Client {
	return engineclient.New(o.EngineURL, engineclient.WithTimeout(o.Timeout))
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// NewRootCommand creates the root command for rulesflowctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	defaultURL := os.Getenv("ENGINE_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}

	cmd := &cobra.Command{
		Use:   "rulesflowctl",
		Short: "Operate the rulesflow transaction engine",
		Long: `Submit transactions, trigger their processing and inspect their status
against a running engine, or evaluate rules locally.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.EngineURL, "engine-url", defaultURL, "base URL of the engine service")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "request timeout")

	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewTriggerCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewEvaluateCommand(opts))
	cmd.AddCommand(NewIDCommand(opts))

	return cmd
}
