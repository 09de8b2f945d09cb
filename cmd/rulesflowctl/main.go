// Command rulesflowctl is the operator command line for the engine
package main

import (
	"fmt"
	"os"

	"github.com/liamcoop/rulesflow/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	cmd.SilenceErrors = true

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
