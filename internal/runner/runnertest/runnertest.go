// Package runnertest provides a scripted Runner for controller tests.
package runnertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/patchflow/internal/artifact"
	"github.com/fyrsmithlabs/patchflow/internal/runner"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

// Step is one scripted response.
type Step struct {
	Artifact artifact.Artifact
	Err      error
	// Started, when set, is closed as the step begins.
	Started chan struct{}
	// Hold blocks the step until the channel closes or ctx ends.
	Hold <-chan struct{}
}

// Call records one Execute invocation.
type Call struct {
	Phase       workflow.Phase
	Attempt     int
	Diagnostics []string
	Artifacts   int
}

// Script replays steps per phase. When a phase's queue is down to one step
// that step repeats.
type Script struct {
	mu    sync.Mutex
	steps map[workflow.Phase][]Step
	calls []Call
}

// New returns an empty script.
func New() *Script {
	return &Script{steps: make(map[workflow.Phase][]Step)}
}

// Happy returns a script that succeeds on every phase.
func Happy() *Script {
	return New().
		On(workflow.PhasePlan, Plan()).
		On(workflow.PhaseCode, Patch("src/a.go")).
		On(workflow.PhaseTest, Report(true)).
		On(workflow.PhaseReview, Review(artifact.Bool(true))).
		On(workflow.PhaseFix, Patch("src/a.go"))
}

// On appends steps for phase.
func (s *Script) On(phase workflow.Phase, steps ...Step) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[phase] = append(s.steps[phase], steps...)
	return s
}

// Reset replaces the steps for phase.
func (s *Script) Reset(phase workflow.Phase, steps ...Step) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[phase] = steps
	return s
}

func (s *Script) Execute(ctx context.Context, phase workflow.Phase, rc runner.RunContext) (artifact.Artifact, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Phase: phase, Attempt: rc.Attempt, Diagnostics: rc.Diagnostics, Artifacts: len(rc.Artifacts)})
	queue := s.steps[phase]
	if len(queue) == 0 {
		s.mu.Unlock()
		return artifact.Artifact{}, &runner.Error{Kind: runner.Fatal, Phase: phase, Err: runner.ErrUnsupportedPhase}
	}
	step := queue[0]
	if len(queue) > 1 {
		s.steps[phase] = queue[1:]
	}
	s.mu.Unlock()

	if step.Started != nil {
		close(step.Started)
	}
	if step.Hold != nil {
		select {
		case <-step.Hold:
		case <-ctx.Done():
			return artifact.Artifact{}, runner.Classify(phase, ctx.Err())
		}
	}
	if step.Err != nil {
		return artifact.Artifact{}, step.Err
	}
	return step.Artifact, nil
}

// Calls returns every recorded call.
func (s *Script) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Count returns how often phase ran.
func (s *Script) Count(phase workflow.Phase) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Phase == phase {
			n++
		}
	}
	return n
}

// Trail renders the phase sequence, e.g. "PLAN CODE TEST".
func (s *Script) Trail() string {
	calls := s.Calls()
	parts := make([]string, len(calls))
	for i, c := range calls {
		parts[i] = string(c.Phase)
	}
	return strings.Join(parts, " ")
}

func must(kind artifact.Kind, doc interface{}) artifact.Artifact {
	a, err := artifact.New(kind, doc)
	if err != nil {
		panic(fmt.Sprintf("runnertest: %v", err))
	}
	return a
}

// Plan returns a valid plan step.
func Plan() Step {
	return Step{Artifact: must(artifact.KindPlan, artifact.Plan{
		Steps:        []string{"edit src/a.go"},
		Files:        []string{"src/a.go"},
		Risks:        []string{},
		TestStrategy: "go test ./...",
	})}
}

// Patch returns a patch step touching files. The diff adds one line to
// each file.
func Patch(files ...string) Step {
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "diff --git a/%[1]s b/%[1]s\n--- a/%[1]s\n+++ b/%[1]s\n@@ -1,1 +1,2 @@\n package a\n+// changed\n", f)
	}
	return Step{Artifact: must(artifact.KindPatch, artifact.Patch{
		Diff:         b.String(),
		TouchedFiles: files,
		Summary:      &artifact.ChangeSummary{Description: "change " + strings.Join(files, ", "), Rationale: "task goal"},
	})}
}

// Report returns a test report step.
func Report(passed bool) Step {
	out := "ok"
	if !passed {
		out = "FAIL: TestSomething"
	}
	return Step{Artifact: must(artifact.KindTestReport, artifact.TestReport{
		Commands: []string{"go test ./..."},
		Passed:   artifact.Bool(passed),
		Output:   artifact.String(out),
	})}
}

// Review returns a review step; nil approve leaves the decision open.
func Review(approve *bool) Step {
	mustFix := []string{}
	if approve != nil && !*approve {
		mustFix = []string{"handle the error path"}
	}
	return Step{Artifact: must(artifact.KindReview, artifact.Review{
		MustFix:    mustFix,
		NiceToHave: []string{},
		Approve:    approve,
		Conditions: artifact.String(""),
	})}
}

// PR returns a PR description step.
func PR(title string) Step {
	return Step{Artifact: must(artifact.KindPRDescription, artifact.PRDescription{Title: title, Body: "generated"})}
}

// Fail returns a step failing with a runner error of kind.
func Fail(kind runner.Kind, msg string) Step {
	return Step{Err: runner.Errorf(kind, "%s", msg)}
}

// Raw returns a step producing an arbitrary envelope.
func Raw(kind artifact.Kind, body string) Step {
	return Step{Artifact: artifact.Artifact{Kind: kind, Body: []byte(body)}}
}
