package controller

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patchflow/internal/artifact"
	"github.com/fyrsmithlabs/patchflow/internal/events"
	"github.com/fyrsmithlabs/patchflow/internal/guardrail"
	"github.com/fyrsmithlabs/patchflow/internal/logging"
	"github.com/fyrsmithlabs/patchflow/internal/policy"
	"github.com/fyrsmithlabs/patchflow/internal/runner"
	"github.com/fyrsmithlabs/patchflow/internal/store"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
	"github.com/fyrsmithlabs/patchflow/internal/workspace"
)

// next is the nominal successor of an accepted phase.
var next = map[workflow.Phase]workflow.Phase{
	workflow.PhasePlan:   workflow.PhaseCode,
	workflow.PhaseCode:   workflow.PhaseTest,
	workflow.PhaseTest:   workflow.PhaseReview,
	workflow.PhaseReview: workflow.PhaseDone,
	workflow.PhaseFix:    workflow.PhaseTest,
}

// step executes the current phase once, records exactly one history entry
// and persists the resulting state.
func (c *Controller) step(ctx context.Context, st *workflow.State) error {
	if st.Attempts == nil {
		st.Attempts = map[workflow.Phase]int{}
	}
	phase := st.Phase
	attempt := st.NextAttempt(phase)
	ctx = logging.WithPhase(ctx, string(phase), attempt)

	ctx, span := c.tracer.Start(ctx, "workflow.phase", trace.WithAttributes(
		attribute.String("workflow.id", st.ID),
		attribute.String("workflow.phase", string(phase)),
		attribute.Int("workflow.attempt", attempt),
	))
	defer span.End()

	entry := workflow.HistoryEntry{Phase: phase, Attempt: attempt, StartedAt: c.now()}

	a, reused, err := c.produce(ctx, st, phase, attempt)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrAborted) {
			return ErrAborted
		}
		var re *runner.Error
		if !errors.As(err, &re) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		entry.Outcome = workflow.OutcomeError
		c.reject(st, &entry, re.Kind.FailureKind(), re.Error())
	} else {
		entry.ArtifactSeq = a.Seq
		if reused {
			c.logger.Info(ctx, "reusing stored artifact", zap.Uint64("seq", a.Seq))
		}
		if err := c.judge(ctx, st, &entry, a); err != nil {
			span.RecordError(err)
			return err
		}
	}

	entry.FinishedAt = c.now()
	st.Steps++
	st.Record(entry)

	span.SetAttributes(
		attribute.String("workflow.outcome", string(entry.Outcome)),
		attribute.String("workflow.next", string(entry.Next)),
	)
	if entry.Kind != workflow.FailureNone {
		span.SetAttributes(attribute.String("workflow.failure_kind", string(entry.Kind)))
	}
	if c.transitions != nil {
		c.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("phase", string(phase)),
			attribute.String("outcome", string(entry.Outcome)),
		))
	}
	c.metrics.ObservePhase(string(phase), string(entry.Outcome), entry.FinishedAt.Sub(entry.StartedAt))

	if err := c.store.SaveState(ctx, st); err != nil {
		return err
	}
	c.logger.Info(ctx, "phase finished",
		zap.String("outcome", string(entry.Outcome)),
		zap.String("next", string(entry.Next)),
		zap.String("kind", string(entry.Kind)),
		zap.String("reason", entry.Reason))
	c.emit(ctx, st, events.Transition, &entry)
	return nil
}

// produce returns the artifact for (phase, attempt). An artifact already
// stored under that key, left by a crash or awaiting approval, is reused
// instead of calling the runner again. Runner failures come back as
// *runner.Error; anything else is an infrastructure error.
func (c *Controller) produce(ctx context.Context, st *workflow.State, phase workflow.Phase, attempt int) (artifact.Artifact, bool, error) {
	a, err := c.store.Get(ctx, st.ID, phase, attempt)
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return artifact.Artifact{}, false, err
	}

	rc, err := c.runContext(ctx, st, phase, attempt)
	if err != nil {
		return artifact.Artifact{}, false, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.timeout(phase))
	out, err := c.runner.Execute(callCtx, phase, rc)
	cancel()
	if err != nil {
		return artifact.Artifact{}, false, runner.Classify(phase, err)
	}
	if cause := context.Cause(ctx); cause != nil {
		// Finished after an abort: discard.
		return artifact.Artifact{}, false, cause
	}
	if err := artifact.Check(phase, out); err != nil {
		return artifact.Artifact{}, false, &runner.Error{Kind: runner.Transient, Phase: phase, Err: err}
	}

	a, err = c.store.Put(ctx, st.ID, phase, attempt, out)
	if errors.Is(err, store.ErrDuplicate) {
		a, err = c.store.Get(ctx, st.ID, phase, attempt)
	}
	if err != nil {
		return artifact.Artifact{}, false, err
	}
	return a, false, nil
}

// judge evaluates a stored artifact and routes the workflow accordingly.
func (c *Controller) judge(ctx context.Context, st *workflow.State, entry *workflow.HistoryEntry, a artifact.Artifact) error {
	phase := entry.Phase
	v := c.guard.Evaluate(guardrail.Input{
		Phase:    phase,
		Artifact: a,
		Task:     st.Task,
		Options:  st.Options,
		History:  st.History,
		Approval: st.Approval(phase, entry.Attempt),
	})
	check := v.Check
	if check == "" {
		check = "all"
	}
	c.metrics.ObserveVerdict(check, string(v.Decision))
	entry.Verdict = string(v.Decision)
	entry.Check = v.Check
	entry.Reason = v.Reason

	switch v.Decision {
	case guardrail.Allow:
		if phase.Mutating() {
			if err := c.apply(ctx, st, a); err != nil {
				var re *runner.Error
				if errors.As(err, &re) {
					entry.Outcome = workflow.OutcomeError
					c.reject(st, entry, re.Kind.FailureKind(), re.Error())
					return nil
				}
				return err
			}
		}
		st.Attempts[phase]++
		st.ResetStreak(phase)
		st.PendingApproval = nil
		st.Phase = next[phase]
		entry.Outcome = workflow.OutcomeAccepted
		entry.Next = st.Phase

	case guardrail.NeedsApproval:
		// The attempt stays open; the stored artifact is re-judged once a
		// decision is recorded.
		st.Status = workflow.StatusWaiting
		st.PendingApproval = &workflow.PendingApproval{
			Phase:       phase,
			Attempt:     entry.Attempt,
			Check:       v.Check,
			Reason:      v.Reason,
			RequestedAt: c.now(),
		}
		entry.Outcome = workflow.OutcomeWaiting
		entry.Next = phase

	case guardrail.Block:
		entry.Outcome = workflow.OutcomeBlocked
		entry.Kind = v.Kind
		entry.Next = workflow.PhaseFailed
		st.Attempts[phase]++
		st.Fail(v.Kind, phase, fmt.Sprintf("%s: %s", v.Check, v.Reason))

	case guardrail.Reject:
		entry.Outcome = workflow.OutcomeRejected
		c.reject(st, entry, v.Kind, v.Reason)

	default:
		return fmt.Errorf("unknown guardrail decision %q", v.Decision)
	}
	return nil
}

// reject consumes the attempt and lets the policy pick the next move.
func (c *Controller) reject(st *workflow.State, entry *workflow.HistoryEntry, kind workflow.FailureKind, reason string) {
	phase := entry.Phase
	st.Attempts[phase]++
	entry.Kind = kind
	entry.Reason = reason

	count := st.Bump(phase, kind)
	p := policy.Snapshot(c.policy)
	max := p.MaxAttempts(phase)
	action := p.Decide(phase, kind, count, max)
	entry.Action = string(action)

	switch action {
	case policy.RetrySame:
		entry.Next = phase
	case policy.ToFix:
		st.Phase = workflow.PhaseFix
		entry.Next = workflow.PhaseFix
	case policy.EscalateHuman:
		st.Status = workflow.StatusWaiting
		st.PendingApproval = &workflow.PendingApproval{
			Phase:       phase,
			Attempt:     entry.Attempt,
			Check:       "escalation",
			Reason:      fmt.Sprintf("%s failed %d times: %s", phase, count, reason),
			Kind:        kind,
			RequestedAt: c.now(),
		}
		entry.Next = phase
	default:
		failKind := kind
		if !kind.Fatal() {
			failKind = workflow.RetryExhausted
			reason = fmt.Sprintf("%s failed %d times (%s): %s", phase, count, kind, reason)
		}
		st.Fail(failKind, phase, reason)
		entry.Next = workflow.PhaseFailed
	}
}

// apply writes an accepted patch to the working tree. A patch that no
// longer applies is reported as a transient runner failure so the phase
// produces a new one.
func (c *Controller) apply(ctx context.Context, st *workflow.State, a artifact.Artifact) error {
	if c.workspace == nil || st.Options.DryRun {
		return nil
	}
	patch, err := artifact.Decode[artifact.Patch](a)
	if err != nil {
		return &runner.Error{Kind: runner.Transient, Phase: a.Phase, Err: err}
	}
	err = c.workspace.Apply(ctx, workspace.Request{
		WorkflowID: st.ID,
		Seq:        a.Seq,
		Applied:    st.AppliedSeq,
		Diff:       patch.Diff,
	})
	switch {
	case errors.Is(err, workspace.ErrStale):
		c.logger.Warn(ctx, "skipping superseded patch", zap.Uint64("seq", a.Seq), zap.Error(err))
		return nil
	case err != nil:
		return &runner.Error{Kind: runner.Transient, Phase: a.Phase, Err: err}
	}
	st.AppliedSeq = a.Seq
	return nil
}

// runContext assembles what the runner sees for one execution.
func (c *Controller) runContext(ctx context.Context, st *workflow.State, phase workflow.Phase, attempt int) (runner.RunContext, error) {
	all, err := c.store.History(ctx, st.ID)
	if err != nil {
		return runner.RunContext{}, fmt.Errorf("loading artifacts: %w", err)
	}
	accepted := acceptedSeqs(st)
	visible := make([]artifact.Artifact, 0, len(accepted))
	for _, a := range all {
		if accepted[a.Seq] {
			visible = append(visible, a)
		}
	}
	return runner.RunContext{
		WorkflowID:   st.ID,
		Phase:        phase,
		Attempt:      attempt,
		Task:         st.Task,
		Artifacts:    visible,
		Instructions: runner.Instructions(phase),
		Diagnostics:  diagnostics(st),
		Capabilities: runner.CapabilitiesFor(phase),
		TargetBranch: st.Options.TargetBranch,
	}, nil
}

// diagnostics collects the failures recorded since the last accepted
// artifact, oldest first.
func diagnostics(st *workflow.State) []string {
	var out []string
	for i := len(st.History) - 1; i >= 0; i-- {
		e := st.History[i]
		if e.Outcome == workflow.OutcomeAccepted {
			break
		}
		if e.Outcome == workflow.OutcomeRejected || e.Outcome == workflow.OutcomeError {
			out = append([]string{fmt.Sprintf("%s attempt %d: %s", e.Phase, e.Attempt, e.Reason)}, out...)
		}
	}
	return out
}
