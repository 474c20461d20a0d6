// Kestrel evaluates SAR cases against filing rules and scores bulk
// transaction uploads for risk.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kestrel",
		Short: "SAR case rule engine and bulk risk scorer",
		Long: "Kestrel checks suspicious activity report cases against filing rules\n" +
			"and scores uploaded transaction files for aggregate risk.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newEvaluateCmd())
	root.AddCommand(newScoreCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
