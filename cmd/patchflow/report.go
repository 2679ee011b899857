package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var reportJSON bool

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "print the full report as JSON")
}

// reportCmd shows a workflow's state and history
var reportCmd = &cobra.Command{
	Use:   "report <id>",
	Short: "Show a workflow's state, history and artifacts",
	Long: `Show where a workflow is, every transition it made and its final
artifacts. The exit status reflects the workflow's state, so scripts can
poll with it.

Examples:
  patchflow report 5f0c...
  patchflow report --json 5f0c... | jq .state.history`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.ctrl.Report(ctx, args[0])
	if err != nil {
		return err
	}

	if reportJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else {
		printReport(cmd.OutOrStdout(), rep)
	}
	return finish(rep.State, nil)
}
