// Package runner defines the capability interface that executes one phase
// of a workflow, and the error union every backend reports through.
//
// Backends live in subpackages: subprocess, llm and temporal. Hybrid routes
// phases between them.
package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/patchflow/internal/artifact"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

// Runner executes a single phase. Implementations are stateless between
// calls and must honour ctx cancellation and deadline.
type Runner interface {
	Execute(ctx context.Context, phase workflow.Phase, rc RunContext) (artifact.Artifact, error)
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, phase workflow.Phase, rc RunContext) (artifact.Artifact, error)

func (f Func) Execute(ctx context.Context, phase workflow.Phase, rc RunContext) (artifact.Artifact, error) {
	return f(ctx, phase, rc)
}

// Capability is a tool the runner may use during a phase.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityVCS        Capability = "vcs"
	CapabilityTests      Capability = "tests"
)

// RunContext is everything a phase execution sees.
type RunContext struct {
	WorkflowID string         `json:"workflow_id"`
	Phase      workflow.Phase `json:"phase"`
	Attempt    int            `json:"attempt"`
	Task       workflow.Task  `json:"task"`
	// Artifacts are the accepted artifacts of earlier phases, oldest first.
	Artifacts    []artifact.Artifact `json:"artifacts"`
	Instructions string              `json:"instructions"`
	// Diagnostics explain the failure a FIX or retry responds to.
	Diagnostics  []string     `json:"diagnostics,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	TargetBranch string       `json:"target_branch,omitempty"`
}

// Latest returns the newest accepted artifact of kind.
func (rc RunContext) Latest(kind artifact.Kind) (artifact.Artifact, bool) {
	for i := len(rc.Artifacts) - 1; i >= 0; i-- {
		if rc.Artifacts[i].Kind == kind {
			return rc.Artifacts[i], true
		}
	}
	return artifact.Artifact{}, false
}

// CapabilitiesFor returns the capabilities injected for phase.
func CapabilitiesFor(phase workflow.Phase) []Capability {
	switch phase {
	case workflow.PhaseCode, workflow.PhaseFix:
		return []Capability{CapabilityFilesystem, CapabilityVCS}
	case workflow.PhaseTest:
		return []Capability{CapabilityFilesystem, CapabilityTests}
	case workflow.PhasePlan, workflow.PhaseReview:
		return []Capability{CapabilityFilesystem}
	}
	return nil
}

// Instructions returns the plain instruction text for phase.
func Instructions(phase workflow.Phase) string {
	switch phase {
	case workflow.PhasePlan:
		return "Produce a plan: ordered steps, files to change, risks and a test strategy."
	case workflow.PhaseCode:
		return "Implement the plan as a unified diff. List every touched file and summarize the change."
	case workflow.PhaseTest:
		return "Run the test strategy against the working tree and report commands, pass/fail and output."
	case workflow.PhaseReview:
		return "Review the accepted patches against the goal and acceptance criteria. Approve or reject with must-fix items."
	case workflow.PhaseFix:
		return "Produce a unified diff that resolves the diagnostics without leaving the allowed paths."
	case workflow.PhaseDone:
		return "Write a pull request title and body describing the accepted change."
	}
	return ""
}

// Kind classifies runner failures.
type Kind string

const (
	Timeout   Kind = "timeout"
	Transient Kind = "transient"
	Fatal     Kind = "fatal"
)

// ErrUnsupportedPhase is returned by backends that cannot run a phase.
var ErrUnsupportedPhase = errors.New("phase not supported by runner")

// Error is the error every backend returns.
type Error struct {
	Kind  Kind
	Phase workflow.Phase
	Err   error
}

func (e *Error) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("runner %s (%s): %v", e.Kind, e.Phase, e.Err)
	}
	return fmt.Sprintf("runner %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of kind.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify wraps err as an *Error. Existing *Errors keep their kind, context
// deadlines become Timeout, cancellation and unknown errors become Transient,
// and ErrUnsupportedPhase is Fatal.
func Classify(phase workflow.Phase, err error) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		if direct, ok := err.(*Error); ok {
			c := *direct
			if c.Phase == "" {
				c.Phase = phase
			}
			return &c
		}
		return &Error{Kind: re.Kind, Phase: phase, Err: err}
	}
	kind := Transient
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = Timeout
	case errors.Is(err, ErrUnsupportedPhase):
		kind = Fatal
	}
	return &Error{Kind: kind, Phase: phase, Err: err}
}

// FailureKind maps a runner error kind to the workflow failure taxonomy.
func (k Kind) FailureKind() workflow.FailureKind {
	switch k {
	case Timeout:
		return workflow.RunnerTimeout
	case Fatal:
		return workflow.RunnerFatal
	}
	return workflow.RunnerTransient
}
