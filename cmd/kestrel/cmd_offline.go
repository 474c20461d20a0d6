package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/rules"
)

func newEvaluateCmd() *cobra.Command {
	var narrativePath string

	cmd := &cobra.Command{
		Use:   "evaluate <case.json>",
		Short: "Run the case rule evaluator on a case file and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			var in domain.CaseInput
			if err := json.Unmarshal(data, &in); err != nil {
				return fmt.Errorf("failed to parse %s: %w", args[0], err)
			}

			if narrativePath != "" {
				narrative, err := os.ReadFile(narrativePath)
				if err != nil {
					return err
				}
				in = in.WithNarrative(string(narrative))
			}

			return printJSON(cmd.OutOrStdout(), rules.EvaluateCase(in))
		},
	}
	cmd.Flags().StringVarP(&narrativePath, "narrative", "n", "", "text file holding the narrative to evaluate")
	return cmd
}

func newScoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "score <file.csv>",
		Short: "Score a transaction CSV and print the risk result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			table, err := ingest.ParseCSV(f)
			if err != nil {
				return err
			}

			result, err := risk.Score(table)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
