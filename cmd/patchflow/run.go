package main

import (
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

// runFlags override the workflow section of the config for one run.
type runFlags struct {
	targetBranch string
	dryRun       bool
	humanApprove bool
}

var runOpts runFlags

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	runCmd.Flags().StringVar(&runOpts.targetBranch, "target-branch", "", "branch patches are applied to (default from config)")
	runCmd.Flags().BoolVar(&runOpts.dryRun, "dry-run", false, "do not apply patches to the working tree or publish")
	runCmd.Flags().BoolVar(&runOpts.humanApprove, "human-approve", false, "require a human decision before every phase advances")
}

// runCmd starts a workflow from a task file
var runCmd = &cobra.Command{
	Use:   "run <task.yaml>",
	Short: "Start a workflow for a task",
	Long: `Start a workflow for the task described in a YAML file and drive it
until it finishes or waits for approval.

The task file names the goal, acceptance criteria and the paths patches may
touch:

  goal: add retries to the HTTP client
  acceptance_criteria:
    - flaky calls are retried
  allowed_paths:
    - internal/client/

Patterns can also live in a gitignore-style file next to the task, named
by allowed_paths_file.

Examples:
  # Run with the configured runner
  patchflow run task.yaml

  # Dry run on a scratch branch
  patchflow run --dry-run --target-branch patchflow/try task.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

// resumeCmd continues a persisted workflow
var resumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Continue a persisted workflow",
	Long: `Continue a workflow from its last persisted step, for example after a
crash or once an approval was recorded by another process.

A finished workflow is reported unchanged.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func runRun(cmd *cobra.Command, args []string) error {
	task, err := workflow.LoadTask(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{execute: true})
	if err != nil {
		return err
	}
	defer a.Close()

	opts := a.workflowOptions(&runOpts)
	if err := a.checkout(ctx, opts); err != nil {
		return err
	}
	st, err := a.ctrl.Run(ctx, task, opts)
	if st != nil {
		printState(cmd.OutOrStdout(), st)
	}
	return finish(st, err)
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{execute: true})
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.store.LoadState(ctx, args[0])
	if err != nil {
		return err
	}
	if err := a.checkout(ctx, st.Options); err != nil {
		return err
	}
	st, err = a.ctrl.Resume(ctx, args[0])
	if st != nil {
		printState(cmd.OutOrStdout(), st)
	}
	return finish(st, err)
}
