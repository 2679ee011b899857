// Package workflow defines the values the controller persists and passes
// between components: phases, tasks, workflow state and approvals.
package workflow

import (
	"fmt"
	"strings"
)

// Phase is one named stage of a workflow.
type Phase string

const (
	PhasePlan   Phase = "PLAN"
	PhaseCode   Phase = "CODE"
	PhaseTest   Phase = "TEST"
	PhaseReview Phase = "REVIEW"
	PhaseFix    Phase = "FIX"
	PhaseDone   Phase = "DONE"
	PhaseFailed Phase = "FAILED"
)

// Phases lists every phase in nominal order.
var Phases = []Phase{PhasePlan, PhaseCode, PhaseTest, PhaseReview, PhaseFix, PhaseDone, PhaseFailed}

// Terminal reports whether no further phase executes after p.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Mutating reports whether p produces a patch for the working tree.
func (p Phase) Mutating() bool {
	return p == PhaseCode || p == PhaseFix
}

func (p Phase) String() string { return string(p) }

// ParsePhase accepts a phase name in any case.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Phases {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

// Status is the sub-state of a workflow.
type Status string

const (
	StatusRunning  Status = "running"
	StatusWaiting  Status = "waiting"
	StatusTerminal Status = "terminal"
)

// FailureKind classifies why a phase did not advance.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	ScopeViolation   FailureKind = "ScopeViolation"
	SecretLeak       FailureKind = "SecretLeak"
	QualityFailure   FailureKind = "QualityFailure"
	ReviewRejected   FailureKind = "ReviewRejected"
	RunnerTimeout    FailureKind = "RunnerTimeout"
	RunnerTransient  FailureKind = "RunnerTransient"
	RunnerFatal      FailureKind = "RunnerFatal"
	ApprovalDenied   FailureKind = "ApprovalDenied"
	RetryExhausted   FailureKind = "RetryExhausted"
	UserAbort        FailureKind = "UserAbort"
	StepLimitReached FailureKind = "StepLimitReached"
)

// Fatal reports whether a failure of this kind ends the workflow without
// consulting the retry policy.
func (k FailureKind) Fatal() bool {
	switch k {
	case ScopeViolation, SecretLeak, ApprovalDenied, UserAbort, RunnerFatal:
		return true
	}
	return false
}
