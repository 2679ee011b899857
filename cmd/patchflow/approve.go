package main

import (
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

var (
	approveDeny     bool
	approveReason   string
	approveActor    string
	approveNoResume bool
)

func init() {
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(abortCmd)
	approveCmd.Flags().BoolVar(&approveDeny, "deny", false, "deny instead of approve; the workflow fails")
	approveCmd.Flags().StringVar(&approveReason, "reason", "", "reason recorded with the decision")
	approveCmd.Flags().StringVar(&approveActor, "actor", "cli", "who made the decision")
	approveCmd.Flags().BoolVar(&approveNoResume, "no-resume", false, "record the decision without continuing the workflow")
}

// approveCmd records a decision for a waiting workflow
var approveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve or deny a waiting workflow",
	Long: `Record a decision for the approval a workflow is waiting on.

An approval continues the workflow unless --no-resume is given. A denial
fails it with ApprovalDenied.

Examples:
  # Approve and continue
  patchflow approve 5f0c...

  # Deny with a reason
  patchflow approve --deny --reason "touches billing" 5f0c...`,
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

// abortCmd stops a workflow
var abortCmd = &cobra.Command{
	Use:   "abort <id>",
	Short: "Abort a workflow",
	Long: `Fail a running or waiting workflow with UserAbort. Aborting a finished
workflow is an error.`,
	Args: cobra.ExactArgs(1),
	RunE: runAbort,
}

func runApprove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	resume := !approveDeny && !approveNoResume
	a, err := newApp(ctx, appOptions{execute: resume})
	if err != nil {
		return err
	}
	defer a.Close()

	id := args[0]
	st, err := a.ctrl.Approve(ctx, id, workflow.ApprovalDecision{
		Approved: !approveDeny,
		Actor:    approveActor,
		Reason:   approveReason,
	})
	if err != nil {
		return err
	}
	if resume {
		if err := a.checkout(ctx, st.Options); err != nil {
			return err
		}
		st, err = a.ctrl.Resume(ctx, id)
	}
	if st != nil {
		printState(cmd.OutOrStdout(), st)
	}
	if approveNoResume && err == nil && !st.Terminal() {
		// Recorded; the next resume advances.
		return nil
	}
	return finish(st, err)
}

func runAbort(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.ctrl.Abort(ctx, args[0])
	if err != nil {
		return err
	}
	printState(cmd.OutOrStdout(), st)
	return nil
}
