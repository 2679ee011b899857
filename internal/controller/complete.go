package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patchflow/internal/artifact"
	"github.com/fyrsmithlabs/patchflow/internal/logging"
	"github.com/fyrsmithlabs/patchflow/internal/publish"
	"github.com/fyrsmithlabs/patchflow/internal/runner"
	"github.com/fyrsmithlabs/patchflow/internal/store"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

const maxTitleLen = 72

// complete writes the PR description for a workflow that entered DONE,
// publishes it when configured, and marks the workflow terminal.
func (c *Controller) complete(ctx context.Context, st *workflow.State) error {
	phase := workflow.PhaseDone
	attempt := st.NextAttempt(phase)
	ctx = logging.WithPhase(ctx, string(phase), attempt)
	entry := workflow.HistoryEntry{Phase: phase, Attempt: attempt, StartedAt: c.now()}

	a, err := c.store.Get(ctx, st.ID, phase, attempt)
	if errors.Is(err, store.ErrNotFound) {
		a, err = c.describe(ctx, st, attempt)
	}
	if err != nil {
		return err
	}
	entry.ArtifactSeq = a.Seq

	if c.publisher != nil && !st.Options.DryRun {
		pr, err := artifact.Decode[artifact.PRDescription](a)
		if err != nil {
			return err
		}
		res, err := c.publisher.Publish(ctx, publish.Request{
			WorkflowID: st.ID,
			Head:       st.Options.TargetBranch,
			Title:      pr.Title,
			Body:       pr.Body,
		})
		if err != nil {
			// The change itself is complete; publishing can be redone by hand.
			c.logger.Warn(ctx, "failed to publish pull request", zap.Error(err))
			entry.Reason = "publish failed: " + err.Error()
		} else if res.URL != "" {
			entry.Reason = "published " + res.URL
		}
	}

	if st.Attempts == nil {
		st.Attempts = map[workflow.Phase]int{}
	}
	st.Attempts[phase]++
	entry.Outcome = workflow.OutcomeAccepted
	entry.Verdict = "allow"
	entry.Next = workflow.PhaseDone
	entry.FinishedAt = c.now()
	st.Record(entry)
	st.Finish()
	return c.store.SaveState(ctx, st)
}

// describe asks the runner for a PR description and falls back to one
// assembled from the accepted artifacts.
func (c *Controller) describe(ctx context.Context, st *workflow.State, attempt int) (artifact.Artifact, error) {
	rc, err := c.runContext(ctx, st, workflow.PhaseDone, attempt)
	if err != nil {
		return artifact.Artifact{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.timeout(workflow.PhaseDone))
	out, err := c.runner.Execute(callCtx, workflow.PhaseDone, rc)
	cancel()
	if err == nil {
		err = artifact.Check(workflow.PhaseDone, out)
	}
	if err != nil {
		if re := runner.Classify(workflow.PhaseDone, err); !errors.Is(re, runner.ErrUnsupportedPhase) {
			c.logger.Info(ctx, "runner gave no PR description, assembling one", zap.Error(err))
		}
		out, err = assemble(st.Task, rc.Artifacts)
		if err != nil {
			return artifact.Artifact{}, err
		}
	}

	a, err := c.store.Put(ctx, st.ID, workflow.PhaseDone, attempt, out)
	if errors.Is(err, store.ErrDuplicate) {
		return c.store.Get(ctx, st.ID, workflow.PhaseDone, attempt)
	}
	return a, err
}

// assemble builds a PR description from the task and accepted artifacts.
func assemble(task workflow.Task, accepted []artifact.Artifact) (artifact.Artifact, error) {
	var b strings.Builder
	b.WriteString("## Goal\n\n")
	b.WriteString(task.Goal)
	b.WriteString("\n")

	var (
		plan    *artifact.Plan
		patches []*artifact.Patch
		report  *artifact.TestReport
		review  *artifact.Review
	)
	for _, a := range accepted {
		switch a.Kind {
		case artifact.KindPlan:
			plan, _ = artifact.Decode[artifact.Plan](a)
		case artifact.KindPatch:
			if p, err := artifact.Decode[artifact.Patch](a); err == nil {
				patches = append(patches, p)
			}
		case artifact.KindTestReport:
			report, _ = artifact.Decode[artifact.TestReport](a)
		case artifact.KindReview:
			review, _ = artifact.Decode[artifact.Review](a)
		}
	}

	if plan != nil && len(plan.Steps) > 0 {
		b.WriteString("\n## Plan\n\n")
		for _, s := range plan.Steps {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if len(patches) > 0 {
		b.WriteString("\n## Changes\n\n")
		for _, p := range patches {
			fmt.Fprintf(&b, "- %s (%s)\n", p.Summary.Description, strings.Join(p.TouchedFiles, ", "))
		}
	}
	if report != nil && len(report.Commands) > 0 {
		b.WriteString("\n## Tests\n\n")
		for _, cmd := range report.Commands {
			fmt.Fprintf(&b, "- `%s`\n", cmd)
		}
	}
	if review != nil && review.Conditions != nil && *review.Conditions != "" {
		fmt.Fprintf(&b, "\n## Review conditions\n\n%s\n", *review.Conditions)
	}
	if len(task.AcceptanceCriteria) > 0 {
		b.WriteString("\n## Acceptance criteria\n\n")
		for _, ac := range task.AcceptanceCriteria {
			fmt.Fprintf(&b, "- [x] %s\n", ac)
		}
	}

	return artifact.New(artifact.KindPRDescription, artifact.PRDescription{
		Title: title(task.Goal),
		Body:  b.String(),
	})
}

// title is the first line of goal, shortened to fit a PR title. Lengths
// count runes so multibyte text is never split.
func title(goal string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(goal), "\n")
	if utf8.RuneCountInString(line) <= maxTitleLen {
		return line
	}
	runes := []rune(line)[:maxTitleLen-3]
	cut := len(runes)
	for i := len(runes) - 1; i > 0; i-- {
		if runes[i] == ' ' {
			cut = i
			break
		}
	}
	return strings.TrimSpace(string(runes[:cut])) + "..."
}
