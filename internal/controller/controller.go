// Package controller drives workflows through their phases.
//
// A Controller owns the state machine: it invokes the Runner for the current
// phase, submits the artifact to the guardrail engine, consults the retry
// policy on failures and persists state after every transition. Everything
// needed to continue lives in the persisted workflow.State, so a workflow
// interrupted at any point resumes with Resume.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patchflow/internal/artifact"
	"github.com/fyrsmithlabs/patchflow/internal/config"
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

const instrumentationName = "github.com/fyrsmithlabs/patchflow/internal/controller"

// Store persists artifacts and workflow state.
type Store interface {
	Put(ctx context.Context, id string, phase workflow.Phase, attempt int, a artifact.Artifact) (artifact.Artifact, error)
	Get(ctx context.Context, id string, phase workflow.Phase, attempt int) (artifact.Artifact, error)
	History(ctx context.Context, id string) ([]artifact.Artifact, error)
	SaveState(ctx context.Context, st *workflow.State) error
	LoadState(ctx context.Context, id string) (*workflow.State, error)
}

// Config bounds workflow execution.
type Config struct {
	// MaxSteps caps phase executions per workflow.
	MaxSteps int
	// DefaultTimeout bounds a runner call.
	DefaultTimeout time.Duration
	// PhaseTimeouts override DefaultTimeout per phase.
	PhaseTimeouts map[workflow.Phase]time.Duration
}

// DefaultConfig returns the bounds used when none are configured.
func DefaultConfig() Config {
	return Config{MaxSteps: 50, DefaultTimeout: 10 * time.Minute}
}

// ConfigFrom extracts controller bounds from the workflow section.
func ConfigFrom(c config.WorkflowConfig) Config {
	cfg := Config{
		MaxSteps:       c.MaxSteps,
		DefaultTimeout: c.DefaultTimeout.Duration(),
		PhaseTimeouts:  make(map[workflow.Phase]time.Duration, len(c.PhaseTimeouts)),
	}
	for name, d := range c.PhaseTimeouts {
		if p, err := workflow.ParsePhase(name); err == nil {
			cfg.PhaseTimeouts[p] = d.Duration()
		}
	}
	return cfg
}

func (c Config) timeout(phase workflow.Phase) time.Duration {
	if d, ok := c.PhaseTimeouts[phase]; ok && d > 0 {
		return d
	}
	return c.DefaultTimeout
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithWorkspace applies accepted patches to a working tree.
func WithWorkspace(ws *workspace.Workspace) Option {
	return func(c *Controller) { c.workspace = ws }
}

// WithEvents publishes transition events.
func WithEvents(p events.Publisher) Option {
	return func(c *Controller) { c.events = p }
}

// WithPublisher opens a pull request on completion.
func WithPublisher(p publish.Publisher) Option {
	return func(c *Controller) { c.publisher = p }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTelemetry records spans and OTel counters.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(c *Controller) { c.telemetry = t }
}

// WithConfig sets execution bounds.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithIDGenerator overrides workflow id generation.
func WithIDGenerator(gen func() string) Option {
	return func(c *Controller) { c.newID = gen }
}

// Controller runs workflows. Safe for concurrent use; phases of one
// workflow never run concurrently.
type Controller struct {
	store     Store
	runner    runner.Runner
	guard     *guardrail.Engine
	policy    policy.Policy
	workspace *workspace.Workspace
	events    events.Publisher
	publisher publish.Publisher
	metrics   *metrics.Metrics
	telemetry *telemetry.Telemetry
	logger    *logging.Logger
	cfg       Config
	now       func() time.Time
	newID     func() string

	tracer      trace.Tracer
	transitions metric.Int64Counter

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	running map[string]context.CancelCauseFunc
}

// New returns a controller.
func New(s Store, r runner.Runner, g *guardrail.Engine, p policy.Policy, opts ...Option) *Controller {
	c := &Controller{
		store:   s,
		runner:  r,
		guard:   g,
		policy:  p,
		events:  events.Nop{},
		logger:  logging.NewNop(),
		cfg:     DefaultConfig(),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		locks:   make(map[string]*sync.Mutex),
		running: make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.MaxSteps <= 0 {
		c.cfg.MaxSteps = DefaultConfig().MaxSteps
	}
	if c.cfg.DefaultTimeout <= 0 {
		c.cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	c.logger = c.logger.Named("controller")
	c.tracer = c.telemetry.Tracer(instrumentationName)

	var err error
	c.transitions, err = c.telemetry.Meter(instrumentationName).Int64Counter(
		"patchflow.workflow.transitions",
		metric.WithDescription("Workflow transitions labeled by phase and outcome"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		c.logger.Warn(context.Background(), "failed to create transitions counter", zap.Error(err))
	}
	return c
}

// lock serializes operations on one workflow.
func (c *Controller) lock(id string) func() {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Run starts a workflow for task and drives it until it is terminal or
// waiting for approval.
func (c *Controller) Run(ctx context.Context, task workflow.Task, opts workflow.Options) (*workflow.State, error) {
	if err := task.Validate(); err != nil {
		return nil, &Error{Op: "run", Err: errors.Join(ErrInvalidTask, err)}
	}
	st := workflow.NewState(c.newID(), task, opts, c.now())

	unlock := c.lock(st.ID)
	defer unlock()

	ctx = logging.WithWorkflow(ctx, st.ID)
	if err := c.store.SaveState(ctx, st); err != nil {
		return nil, wrap("run", st.ID, err)
	}
	c.logger.Info(ctx, "workflow started", zap.String("goal", task.Goal))
	c.emit(ctx, st, events.Started, nil)

	return c.drive(ctx, "run", st)
}

// Resume continues a persisted workflow. A terminal workflow is returned
// unchanged; a waiting one advances only when its approval is recorded.
func (c *Controller) Resume(ctx context.Context, id string) (*workflow.State, error) {
	unlock := c.lock(id)
	defer unlock()

	ctx = logging.WithWorkflow(ctx, id)
	st, err := c.store.LoadState(ctx, id)
	if err != nil {
		return nil, wrap("resume", id, err)
	}
	if st.Terminal() {
		return st, nil
	}
	return c.drive(ctx, "resume", st)
}

// Approve records a decision for the pending approval. Denial fails the
// workflow; approval lets the next Resume advance.
func (c *Controller) Approve(ctx context.Context, id string, d workflow.ApprovalDecision) (*workflow.State, error) {
	unlock := c.lock(id)
	defer unlock()

	ctx = logging.WithWorkflow(ctx, id)
	st, err := c.store.LoadState(ctx, id)
	if err != nil {
		return nil, wrap("approve", id, err)
	}
	if st.Terminal() {
		return st, &Error{Op: "approve", ID: id, Err: ErrTerminal}
	}
	p := st.PendingApproval
	if st.Status != workflow.StatusWaiting || p == nil {
		return st, &Error{Op: "approve", ID: id, Err: ErrNotWaiting}
	}
	if d.Phase != "" && (d.Phase != p.Phase || d.Attempt != p.Attempt) {
		return st, &Error{Op: "approve", ID: id, Err: ErrStaleApproval}
	}

	d.Phase, d.Attempt = p.Phase, p.Attempt
	if d.Actor == "" {
		d.Actor = "operator"
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = c.now()
	}
	st.Approvals = append(st.Approvals, d)

	entry := workflow.HistoryEntry{
		Phase:      p.Phase,
		Attempt:    p.Attempt,
		Outcome:    workflow.OutcomeApproved,
		Check:      p.Check,
		Reason:     d.Reason,
		Next:       p.Phase,
		StartedAt:  d.DecidedAt,
		FinishedAt: d.DecidedAt,
	}
	if !d.Approved {
		reason := "approval denied by " + d.Actor
		if d.Reason != "" {
			reason += ": " + d.Reason
		}
		entry.Outcome = workflow.OutcomeDenied
		entry.Kind = workflow.ApprovalDenied
		entry.Next = workflow.PhaseFailed
		st.Fail(workflow.ApprovalDenied, p.Phase, reason)
	}
	st.Record(entry)

	if err := c.store.SaveState(ctx, st); err != nil {
		return nil, wrap("approve", id, err)
	}
	c.logger.Info(ctx, "approval recorded",
		zap.String("phase", string(d.Phase)),
		zap.Int("attempt", d.Attempt),
		zap.Bool("approved", d.Approved),
		zap.String("actor", d.Actor))
	c.emit(ctx, st, events.Approval, &entry)
	if st.Terminal() {
		c.finished(ctx, st)
	}
	return st, nil
}

// Abort fails a non-terminal workflow with UserAbort. An in-flight runner
// call is cancelled and its result discarded.
func (c *Controller) Abort(ctx context.Context, id string) (*workflow.State, error) {
	c.mu.Lock()
	if cancel, ok := c.running[id]; ok {
		cancel(ErrAborted)
	}
	c.mu.Unlock()

	unlock := c.lock(id)
	defer unlock()

	ctx = logging.WithWorkflow(ctx, id)
	st, err := c.store.LoadState(ctx, id)
	if err != nil {
		return nil, wrap("abort", id, err)
	}
	if st.Terminal() {
		return st, &Error{Op: "abort", ID: id, Err: ErrTerminal}
	}

	now := c.now()
	entry := workflow.HistoryEntry{
		Phase:      st.Phase,
		Attempt:    st.NextAttempt(st.Phase),
		Outcome:    workflow.OutcomeAborted,
		Kind:       workflow.UserAbort,
		Reason:     "user-abort",
		Next:       workflow.PhaseFailed,
		StartedAt:  now,
		FinishedAt: now,
	}
	st.Fail(workflow.UserAbort, st.Phase, "user-abort")
	st.Record(entry)
	if err := c.store.SaveState(ctx, st); err != nil {
		return nil, wrap("abort", id, err)
	}
	c.logger.Info(ctx, "workflow aborted", zap.String("phase", string(entry.Phase)))
	c.finished(ctx, st)
	return st, nil
}

// Report is the read-only view of a workflow.
type Report struct {
	State *workflow.State `json:"state"`
	// Artifacts holds every stored artifact in write order.
	Artifacts []artifact.Artifact `json:"artifacts"`
	// Final holds the newest accepted artifact of each phase.
	Final []artifact.Artifact `json:"final"`
}

// Report returns the workflow state, its full history and final artifacts.
func (c *Controller) Report(ctx context.Context, id string) (*Report, error) {
	st, err := c.store.LoadState(ctx, id)
	if err != nil {
		return nil, wrap("report", id, err)
	}
	all, err := c.store.History(ctx, id)
	if err != nil {
		return nil, wrap("report", id, err)
	}

	accepted := acceptedSeqs(st)
	latest := make(map[workflow.Phase]int)
	var final []artifact.Artifact
	for _, a := range all {
		if !accepted[a.Seq] {
			continue
		}
		if i, ok := latest[a.Phase]; ok {
			final[i] = a
			continue
		}
		latest[a.Phase] = len(final)
		final = append(final, a)
	}
	return &Report{State: st, Artifacts: all, Final: final}, nil
}

// drive executes steps until st is terminal or waiting. The caller holds
// the workflow lock.
func (c *Controller) drive(ctx context.Context, op string, st *workflow.State) (*workflow.State, error) {
	defer c.metrics.Track()()

	runCtx, cancel := context.WithCancelCause(ctx)
	c.mu.Lock()
	c.running[st.ID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, st.ID)
		c.mu.Unlock()
		cancel(nil)
	}()

	for {
		if st.Phase == workflow.PhaseDone && !st.Terminal() {
			if err := c.complete(runCtx, st); err != nil {
				return c.settle(ctx, op, st, err)
			}
		}
		if st.Terminal() {
			c.finished(ctx, st)
			return st, nil
		}

		if st.Status == workflow.StatusWaiting {
			if !c.release(st) {
				return st, nil
			}
		}

		if st.Steps >= c.cfg.MaxSteps {
			c.failAt(st, workflow.StepLimitReached, "step limit reached")
			if err := c.store.SaveState(ctx, st); err != nil {
				return c.settle(ctx, op, st, err)
			}
			continue
		}

		if err := c.step(runCtx, st); err != nil {
			return c.settle(ctx, op, st, err)
		}
		if st.Status == workflow.StatusWaiting {
			c.logger.Info(ctx, "workflow waiting for approval",
				zap.String("phase", string(st.PendingApproval.Phase)),
				zap.String("reason", st.PendingApproval.Reason))
			c.emit(ctx, st, events.Waiting, nil)
			return st, nil
		}
	}
}

// release resumes a waiting workflow whose approval has been granted.
func (c *Controller) release(st *workflow.State) bool {
	p := st.PendingApproval
	if p == nil {
		st.Status = workflow.StatusRunning
		return true
	}
	d := st.Approval(p.Phase, p.Attempt)
	if d == nil || !d.Approved {
		return false
	}
	st.Status = workflow.StatusRunning
	if !p.Escalated() {
		// The artifact is re-evaluated with the approval attached.
		return true
	}

	// An approved escalation grants one more round of the failed phase.
	st.ResetStreak(p.Phase)
	st.PendingApproval = nil
	switch policy.Recover(p.Kind) {
	case policy.ToFix:
		st.Phase = workflow.PhaseFix
	case policy.RetrySame:
		st.Phase = p.Phase
	default:
		c.failAt(st, p.Kind, p.Reason)
	}
	return true
}

// failAt records a terminal failure of the current phase outside a runner
// call.
func (c *Controller) failAt(st *workflow.State, kind workflow.FailureKind, reason string) {
	now := c.now()
	phase := st.Phase
	st.Record(workflow.HistoryEntry{
		Phase:      phase,
		Attempt:    st.NextAttempt(phase),
		Outcome:    workflow.OutcomeError,
		Kind:       kind,
		Reason:     reason,
		Next:       workflow.PhaseFailed,
		StartedAt:  now,
		FinishedAt: now,
	})
	st.Fail(kind, phase, reason)
}

// settle turns a step error into the driver's result. A state finished
// concurrently by another process is returned as persisted.
func (c *Controller) settle(ctx context.Context, op string, st *workflow.State, err error) (*workflow.State, error) {
	if errors.Is(err, ErrAborted) {
		c.logger.Info(ctx, "abort observed, discarding in-flight result")
		return st, &Error{Op: op, ID: st.ID, Err: ErrAborted}
	}
	if errors.Is(err, store.ErrConflict) {
		if current, lerr := c.store.LoadState(ctx, st.ID); lerr == nil {
			if current.Failure != nil && current.Failure.Kind == workflow.UserAbort {
				return current, &Error{Op: op, ID: st.ID, Err: ErrAborted}
			}
			if current.Terminal() {
				return current, nil
			}
		}
	}
	c.logger.Error(ctx, "workflow step failed", zap.Error(err))
	return st, wrap(op, st.ID, err)
}

// finished records a terminal outcome.
func (c *Controller) finished(ctx context.Context, st *workflow.State) {
	result := string(workflow.PhaseDone)
	typ := events.Done
	if st.Failure != nil {
		result = string(st.Failure.Kind)
		typ = events.Failed
		c.logger.Warn(ctx, "workflow failed",
			zap.String("kind", string(st.Failure.Kind)),
			zap.String("phase", string(st.Failure.Phase)),
			zap.String("reason", st.Failure.Reason))
	} else {
		c.logger.Info(ctx, "workflow done", zap.Int("steps", st.Steps))
	}
	c.metrics.ObserveFinished(result)
	c.emit(ctx, st, typ, nil)
}

func (c *Controller) emit(ctx context.Context, st *workflow.State, typ events.Type, e *workflow.HistoryEntry) {
	ev := events.Event{
		Type:       typ,
		WorkflowID: st.ID,
		Phase:      st.Phase,
		Status:     st.Status,
		At:         c.now(),
	}
	if e != nil {
		ev.Phase = e.Phase
		ev.Attempt = e.Attempt
		ev.Outcome = e.Outcome
		ev.Next = e.Next
		ev.Kind = e.Kind
		ev.Reason = e.Reason
	}
	if st.Failure != nil && e == nil {
		ev.Kind = st.Failure.Kind
		ev.Reason = st.Failure.Reason
	}
	if err := c.events.Publish(ctx, ev); err != nil {
		c.logger.Warn(ctx, "failed to publish event", zap.String("type", string(typ)), zap.Error(err))
	}
}

// acceptedSeqs returns the store sequences of artifacts that passed the
// guardrails.
func acceptedSeqs(st *workflow.State) map[uint64]bool {
	out := make(map[uint64]bool)
	for _, e := range st.History {
		if e.Outcome == workflow.OutcomeAccepted && e.ArtifactSeq != 0 {
			out[e.ArtifactSeq] = true
		}
	}
	return out
}
