package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patchflow/internal/artifact"
	"github.com/fyrsmithlabs/patchflow/internal/config"
	"github.com/fyrsmithlabs/patchflow/internal/controller"
	"github.com/fyrsmithlabs/patchflow/internal/events"
	"github.com/fyrsmithlabs/patchflow/internal/guardrail"
	"github.com/fyrsmithlabs/patchflow/internal/logging"
	"github.com/fyrsmithlabs/patchflow/internal/metrics"
	"github.com/fyrsmithlabs/patchflow/internal/policy"
	"github.com/fyrsmithlabs/patchflow/internal/publish"
	"github.com/fyrsmithlabs/patchflow/internal/runner"
	"github.com/fyrsmithlabs/patchflow/internal/store"
	"github.com/fyrsmithlabs/patchflow/internal/telemetry"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
	"github.com/fyrsmithlabs/patchflow/internal/workspace"
)

const (
	storeGCInterval  = 10 * time.Minute
	maxListedChanges = 10
)

// appOptions selects what a command needs wired.
type appOptions struct {
	// execute builds runner backends.
	execute bool
	// stdoutLogs keeps logs on stdout. Commands printing results there log
	// to stderr instead.
	stdoutLogs bool
}

// app holds the dependencies shared by commands.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	tel     *telemetry.Telemetry
	store   *store.Store
	policy  *policy.Swappable
	metrics *metrics.Metrics
	tree    *workspace.GitTree
	ctrl    *controller.Controller

	closers []func() error
}

// newBase loads configuration and sets up telemetry and logging.
func newBase(ctx context.Context, stdoutLogs bool) (a *app, err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	telCfg := telemetry.NewDefaultConfig()
	if err := cfg.Section("telemetry", telCfg); err != nil {
		return a, err
	}
	if a.tel, err = telemetry.New(ctx, telCfg); err != nil {
		return a, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	if err := cfg.Section("logging", logCfg); err != nil {
		return a, err
	}
	if !stdoutLogs && logCfg.Output.Stdout {
		logCfg.Output.Stdout, logCfg.Output.Stderr = false, true
	}
	if a.logger, err = logging.NewLogger(logCfg, a.tel.LoggerProvider()); err != nil {
		return a, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return a, nil
}

// newApp wires the controller on top of newBase.
//
// This function:
//  1. Opens the artifact store
//  2. Builds policy, guardrails and runner backends
//  3. Connects the optional workspace, events and publishing
func newApp(ctx context.Context, opts appOptions) (a *app, err error) {
	a, err = newBase(ctx, opts.stdoutLogs)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()
	cfg := a.cfg
	a.metrics = metrics.Default()

	a.store, err = store.Open(store.Config{
		Path:       cfg.Store.Path,
		InMemory:   cfg.Store.InMemory,
		SyncWrites: cfg.Store.SyncWrites,
		GCInterval: storeGCInterval,
	}, a.logger)
	if err != nil {
		return a, fmt.Errorf("failed to open store: %w", err)
	}

	base, err := loadPolicy(cfg.Policy)
	if err != nil {
		return a, err
	}
	a.policy = policy.NewSwappable(base)

	guard, err := buildGuardrails(cfg)
	if err != nil {
		return a, err
	}

	var r runner.Runner = idleRunner
	if opts.execute {
		var closeRunner func() error
		r, closeRunner, err = buildRunner(cfg, a.logger)
		if err != nil {
			return a, err
		}
		a.closers = append(a.closers, closeRunner)
	}

	copts := []controller.Option{
		controller.WithLogger(a.logger),
		controller.WithMetrics(a.metrics),
		controller.WithTelemetry(a.tel),
		controller.WithConfig(controller.ConfigFrom(cfg.Workflow)),
	}

	if cfg.Workspace.Path != "" {
		if a.tree, err = workspace.OpenGitTree(cfg.Workspace.Path); err != nil {
			return a, err
		}
		copts = append(copts, controller.WithWorkspace(workspace.New(a.tree, a.logger)))
	}

	if cfg.Events.NATSURL != "" {
		pub, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			return a, err
		}
		a.closers = append(a.closers, pub.Close)
		copts = append(copts, controller.WithEvents(pub))
	}

	if cfg.Publish.Enabled {
		gh, err := publish.NewGitHubClient(ctx, cfg.Publish.Token, cfg.Publish.BaseURL)
		if err != nil {
			return a, err
		}
		copts = append(copts, controller.WithPublisher(publish.NewGitHub(gh, cfg.Publish, a.logger)))
	}

	a.ctrl = controller.New(a.store, r, guard, a.policy, copts...)
	a.logger.Debug(ctx, "patchflow initialized",
		zap.String("store", cfg.Store.Path),
		zap.String("runner", cfg.Runner.Default),
		zap.Strings("checks", guard.Checks()))
	return a, nil
}

// checkout switches the working tree to the branch a workflow writes to
// and confirms HEAD landed there.
func (a *app) checkout(ctx context.Context, opts workflow.Options) error {
	if a.tree == nil || opts.DryRun {
		return nil
	}
	changed, err := a.tree.Changed()
	if err != nil {
		return err
	}
	if len(changed) > 0 {
		// Not fatal: a resumed workflow leaves its applied patches uncommitted.
		count := len(changed)
		sort.Strings(changed)
		if count > maxListedChanges {
			changed = changed[:maxListedChanges]
		}
		a.logger.Warn(ctx, "working tree has uncommitted changes",
			zap.Int("count", count),
			zap.Strings("paths", changed))
	}
	if err := a.tree.Checkout(opts.TargetBranch); err != nil {
		return err
	}
	branch, err := a.tree.Branch()
	if err != nil {
		return err
	}
	if branch != opts.TargetBranch {
		return fmt.Errorf("working tree is on %q after checking out %q", branch, opts.TargetBranch)
	}
	a.logger.Info(ctx, "working tree ready", zap.String("branch", branch))
	return nil
}

// Close releases everything newApp acquired, in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn(context.Background(), "close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.tel.Shutdown(ctx)
		cancel()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// workflowOptions resolves per-run switches against the config defaults.
func (a *app) workflowOptions(f *runFlags) workflow.Options {
	opts := workflow.Options{
		TargetBranch: a.cfg.Workflow.TargetBranch,
		DryRun:       a.cfg.Workflow.DryRun || f.dryRun,
		HumanApprove: a.cfg.Workflow.HumanApprove || f.humanApprove,
	}
	if f.targetBranch != "" {
		opts.TargetBranch = f.targetBranch
	}
	return opts
}

// loadPolicy reads the policy file when one is configured and the inline
// rules otherwise.
func loadPolicy(c config.PolicyConfig) (*policy.RulePolicy, error) {
	if c.File != "" {
		return policy.LoadFile(c.File)
	}
	return policy.FromConfig(c)
}

func buildGuardrails(cfg *config.Config) (*guardrail.Engine, error) {
	gc := guardrail.Config{SecretScan: cfg.Guardrail.SecretScan}
	if cfg.Guardrail.AllowlistFile != "" {
		allow, err := guardrail.LoadAllowlist(cfg.Guardrail.AllowlistFile)
		if err != nil {
			return nil, err
		}
		gc.Allowlist = allow
	}
	for _, name := range cfg.Workflow.ApprovalPhases {
		p, err := workflow.ParsePhase(name)
		if err != nil {
			return nil, err
		}
		gc.ApprovalPhases = append(gc.ApprovalPhases, p)
	}
	return guardrail.New(gc), nil
}

// errNoRunner is what read-only commands report if a phase ever executes.
var errNoRunner = errors.New("no runner is configured for this command")

// idleRunner backs commands that never execute a phase.
var idleRunner = runner.Func(func(_ context.Context, phase workflow.Phase, _ runner.RunContext) (artifact.Artifact, error) {
	return artifact.Artifact{}, &runner.Error{Kind: runner.Fatal, Phase: phase, Err: errNoRunner}
})
