// Package guardrail evaluates phase artifacts against the checks that gate
// workflow advancement.
//
// Checks are pure: a verdict depends only on the Input. The Engine runs them
// in order and stops at the first verdict that is not allow.
package guardrail

import (
	"github.com/fyrsmithlabs/patchflow/internal/artifact"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

// Decision is the outcome of a check.
type Decision string

const (
	// Allow lets the artifact become visible to later phases.
	Allow Decision = "allow"
	// Block fails the workflow without consulting the retry policy.
	Block Decision = "block"
	// NeedsApproval suspends the workflow until an approval is recorded.
	NeedsApproval Decision = "needs-approval"
	// Reject is a recoverable failure routed to the retry policy.
	Reject Decision = "reject"
)

// Verdict is the result of evaluating one artifact.
type Verdict struct {
	Decision Decision             `json:"decision"`
	Check    string               `json:"check,omitempty"`
	Reason   string               `json:"reason,omitempty"`
	Kind     workflow.FailureKind `json:"kind,omitempty"`
}

// Allowed reports whether v lets the workflow advance.
func (v Verdict) Allowed() bool { return v.Decision == Allow }

func allow() Verdict { return Verdict{Decision: Allow} }

// Input is everything a check may look at.
type Input struct {
	Phase    workflow.Phase
	Artifact artifact.Artifact
	// Document is the parsed artifact body. The engine fills it when nil.
	Document interface{}
	Task     workflow.Task
	Options  workflow.Options
	History  []workflow.HistoryEntry
	// Approval is the decision recorded for this (phase, attempt), if any.
	Approval *workflow.ApprovalDecision
}

// Check is one named guardrail.
type Check interface {
	Name() string
	Evaluate(in Input) Verdict
}

// Engine evaluates checks in order.
type Engine struct {
	checks []Check
}

// NewEngine returns an engine running checks in the given order.
func NewEngine(checks ...Check) *Engine {
	return &Engine{checks: checks}
}

// Config selects the standard checks.
type Config struct {
	SecretScan bool
	Allowlist  *Allowlist
	// ApprovalPhases always require a human decision.
	ApprovalPhases []workflow.Phase
}

// New returns the standard engine: scope, secrets, quality, review, human.
func New(cfg Config) *Engine {
	checks := []Check{ScopeCheck{}}
	if cfg.SecretScan {
		checks = append(checks, SecretCheck{Allowlist: cfg.Allowlist})
	}
	checks = append(checks, QualityGate{}, ReviewGate{}, NewHumanGate(cfg.ApprovalPhases...))
	return NewEngine(checks...)
}

// Checks returns the check names in evaluation order.
func (e *Engine) Checks() []string {
	names := make([]string, len(e.checks))
	for i, c := range e.checks {
		names[i] = c.Name()
	}
	return names
}

// Evaluate returns the first non-allow verdict, or allow.
func (e *Engine) Evaluate(in Input) Verdict {
	if in.Document == nil {
		doc, err := artifact.Parse(in.Artifact)
		if err != nil {
			return Verdict{Decision: Reject, Check: "artifact", Reason: err.Error(), Kind: workflow.RunnerTransient}
		}
		in.Document = doc
	}
	for _, c := range e.checks {
		v := c.Evaluate(in)
		if !v.Allowed() {
			if v.Check == "" {
				v.Check = c.Name()
			}
			return v
		}
	}
	return allow()
}
