// Package main implements the patchflow CLI.
//
// patchflow drives a coding task through PLAN, CODE, TEST, REVIEW and FIX
// phases, gating every artifact with guardrails and persisting each step so
// a workflow can be resumed after a crash or a human decision.
//
// Usage:
//
//	# Start a workflow from a task file
//	patchflow run task.yaml
//
//	# Continue after an approval
//	patchflow approve <id>
//
//	# Serve the HTTP API and metrics
//	patchflow serve
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// configPath is the YAML config file; empty means .patchflow.yaml if present.
	configPath string
	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	os.Exit(exitStatus(os.Stderr, err))
}

var rootCmd = &cobra.Command{
	Use:   "patchflow",
	Short: "Guarded plan/code/test/review workflows for coding agents",
	Long: `patchflow runs a coding task through a fixed sequence of phases.

Every artifact a runner produces is checked by guardrails (scope, secrets,
quality, review, human approval) before the workflow advances. State is
persisted after each step, so workflows survive crashes and can wait for a
human decision.

Exit status:
  0   workflow reached DONE
  1   usage or infrastructure error
  2   policy failure (guardrail block, approval denied)
  3   retry exhaustion or step limit
  4   operator abort
  5   runner fatal error
  10  waiting for approval`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default .patchflow.yaml)")
}
