// Package temporal runs phases on remote workers through Temporal.
//
// Each phase execution is a short PhaseWorkflow with a single activity. The
// activity runs the phase on a worker-local Runner. Temporal retries are
// disabled; the controller's policy decides whether a phase is retried.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patchflow/internal/artifact"
	"github.com/fyrsmithlabs/patchflow/internal/logging"
	"github.com/fyrsmithlabs/patchflow/internal/runner"
	wf "github.com/fyrsmithlabs/patchflow/internal/workflow"
)

const (
	// WorkflowName is the registered name of PhaseWorkflow.
	WorkflowName = "PhaseWorkflow"
	// ActivityName is the registered name of Activities.RunPhase.
	ActivityName = "RunPhase"

	defaultActivityTimeout = 10 * time.Minute
)

// PhaseInput is the workflow and activity argument.
type PhaseInput struct {
	Phase      wf.Phase          `json:"phase"`
	RunContext runner.RunContext `json:"run_context"`
	// Timeout bounds the activity. Zero uses the default.
	Timeout time.Duration `json:"timeout"`
}

// PhaseWorkflow executes one phase as a single, non-retried activity.
func PhaseWorkflow(ctx workflow.Context, in PhaseInput) (artifact.Artifact, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Running phase",
		"workflow_id", in.RunContext.WorkflowID,
		"phase", in.Phase,
		"attempt", in.RunContext.Attempt)

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = defaultActivityTimeout
	}
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &sdktemporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var out artifact.Artifact
	if err := workflow.ExecuteActivity(ctx, ActivityName, in).Get(ctx, &out); err != nil {
		return artifact.Artifact{}, err
	}
	return out, nil
}

// Activities exposes a local Runner to Temporal.
type Activities struct {
	Runner runner.Runner
}

// RunPhase executes the phase. Runner errors become non-retryable
// application errors whose type is the runner error kind.
func (a *Activities) RunPhase(ctx context.Context, in PhaseInput) (artifact.Artifact, error) {
	out, err := a.Runner.Execute(ctx, in.Phase, in.RunContext)
	if err != nil {
		re := runner.Classify(in.Phase, err)
		return artifact.Artifact{}, sdktemporal.NewNonRetryableApplicationError(re.Err.Error(), string(re.Kind), nil)
	}
	return out, nil
}

// Register adds the workflow and activities to a worker.
func Register(w worker.Registry, local runner.Runner) {
	w.RegisterWorkflowWithOptions(PhaseWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivity(&Activities{Runner: local})
}

// Starter is the part of client.Client the adapter uses.
type Starter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Runner starts a PhaseWorkflow per Execute and waits for its result.
type Runner struct {
	client    Starter
	taskQueue string
	logger    *logging.Logger
}

// New returns a Runner submitting to taskQueue.
func New(c Starter, taskQueue string, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{client: c, taskQueue: taskQueue, logger: logger.Named("temporal")}
}

// Dial connects to a Temporal frontend.
func Dial(hostPort, namespace string) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Temporal client: %w", err)
	}
	return c, nil
}

func (r *Runner) Execute(ctx context.Context, phase wf.Phase, rc runner.RunContext) (artifact.Artifact, error) {
	in := PhaseInput{Phase: phase, RunContext: rc}
	if deadline, ok := ctx.Deadline(); ok {
		in.Timeout = time.Until(deadline)
	}

	// One execution per (workflow, phase, attempt) so a resumed controller
	// attaches to a run that is still in flight.
	options := client.StartWorkflowOptions{
		ID:        fmt.Sprintf("patchflow-%s-%s-%d", rc.WorkflowID, phase, rc.Attempt),
		TaskQueue: r.taskQueue,
	}
	run, err := r.client.ExecuteWorkflow(ctx, options, WorkflowName, in)
	if err != nil {
		return artifact.Artifact{}, r.classify(ctx, phase, fmt.Errorf("failed to start workflow: %w", err))
	}
	r.logger.Debug(ctx, "phase workflow started",
		zap.String("temporal.workflow_id", run.GetID()),
		zap.String("temporal.run_id", run.GetRunID()))

	var out artifact.Artifact
	if err := run.Get(ctx, &out); err != nil {
		return artifact.Artifact{}, r.classify(ctx, phase, err)
	}
	return out, nil
}

func (r *Runner) classify(ctx context.Context, phase wf.Phase, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return runner.Classify(phase, ctxErr)
	}
	var appErr *sdktemporal.ApplicationError
	if errors.As(err, &appErr) {
		switch runner.Kind(appErr.Type()) {
		case runner.Timeout, runner.Transient, runner.Fatal:
			return &runner.Error{Kind: runner.Kind(appErr.Type()), Phase: phase, Err: err}
		}
	}
	var timeoutErr *sdktemporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return &runner.Error{Kind: runner.Timeout, Phase: phase, Err: err}
	}
	return &runner.Error{Kind: runner.Transient, Phase: phase, Err: err}
}
