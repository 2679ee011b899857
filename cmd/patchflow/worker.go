package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	temporalrunner "github.com/fyrsmithlabs/patchflow/internal/runner/temporal"
)

var workerTaskQueue string

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringVar(&workerTaskQueue, "task-queue", "", "Temporal task queue (default from config)")
}

// workerCmd executes phases submitted by a temporal runner
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a Temporal worker that executes phases",
	Long: `Run a Temporal worker for controllers configured with the temporal
runner. Each phase execution is delegated to the local backend named by
runner.temporal.worker_backend (subprocess or llm).

Examples:
  PATCHFLOW_RUNNER_TEMPORAL_HOST_PORT=temporal:7233 patchflow worker`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newBase(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	tc := a.cfg.Runner.Temporal
	if tc.WorkerBackend == backendTemporal {
		return fmt.Errorf("runner.temporal.worker_backend cannot be %q", backendTemporal)
	}
	queue := tc.TaskQueue
	if workerTaskQueue != "" {
		queue = workerTaskQueue
	}

	local, closeLocal, err := buildBackend(tc.WorkerBackend, a.cfg.Runner, a.logger)
	if err != nil {
		return fmt.Errorf("worker backend %s: %w", tc.WorkerBackend, err)
	}
	defer func() { _ = closeLocal() }()

	c, err := temporalrunner.Dial(tc.HostPort, tc.Namespace)
	if err != nil {
		return err
	}
	defer c.Close()

	a.logger.Info(ctx, "temporal client connected",
		zap.String("host", tc.HostPort),
		zap.String("namespace", tc.Namespace))

	w := worker.New(c, queue, worker.Options{})
	temporalrunner.Register(w, local)

	a.logger.Info(ctx, "worker configured",
		zap.String("task_queue", queue),
		zap.String("backend", tc.WorkerBackend))

	if err := w.Start(); err != nil {
		return fmt.Errorf("worker error: %w", err)
	}
	<-ctx.Done()
	a.logger.Info(ctx, "shutdown signal received")
	w.Stop()

	a.logger.Info(ctx, "worker stopped gracefully")
	return nil
}
