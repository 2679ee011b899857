package workflow

import (
	"time"
)

// Outcome describes how one history entry ended.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeBlocked  Outcome = "blocked"
	OutcomeError    Outcome = "error"
	OutcomeWaiting  Outcome = "waiting"
	OutcomeApproved Outcome = "approved"
	OutcomeDenied   Outcome = "denied"
	OutcomeAborted  Outcome = "aborted"
)

// Options are the per-workflow switches fixed at Run time.
type Options struct {
	TargetBranch string `json:"target_branch"`
	DryRun       bool   `json:"dry_run"`
	HumanApprove bool   `json:"human_approve"`
}

// HistoryEntry records one transition. Verdict, Check and Kind carry the
// guardrail outcome that decided it.
type HistoryEntry struct {
	Seq         int         `json:"seq"`
	Phase       Phase       `json:"phase"`
	Attempt     int         `json:"attempt"`
	Outcome     Outcome     `json:"outcome"`
	Verdict     string      `json:"verdict,omitempty"`
	Check       string      `json:"check,omitempty"`
	Kind        FailureKind `json:"kind,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Action      string      `json:"action,omitempty"`
	Next        Phase       `json:"next"`
	ArtifactSeq uint64      `json:"artifact_seq,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  time.Time   `json:"finished_at"`
}

// Failure is the terminal failure of a workflow.
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Phase  Phase       `json:"phase"`
	Reason string      `json:"reason"`
}

// PendingApproval identifies what a waiting workflow is blocked on: an
// artifact at (Phase, Attempt), or an escalated failure of Kind.
type PendingApproval struct {
	Phase       Phase       `json:"phase"`
	Attempt     int         `json:"attempt"`
	Check       string      `json:"check"`
	Reason      string      `json:"reason"`
	Kind        FailureKind `json:"kind,omitempty"`
	RequestedAt time.Time   `json:"requested_at"`
}

// Escalated reports whether the approval resolves an exhausted retry
// bound rather than an artifact.
func (p *PendingApproval) Escalated() bool {
	return p != nil && p.Kind != FailureNone
}

// ApprovalDecision resolves a needs-approval verdict.
type ApprovalDecision struct {
	Phase     Phase     `json:"phase"`
	Attempt   int       `json:"attempt"`
	Approved  bool      `json:"approved"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Streak counts consecutive failures of one kind within a phase.
type Streak struct {
	Kind  FailureKind `json:"kind"`
	Count int         `json:"count"`
}

// State is the complete, serializable state of one workflow. It is the only
// input needed to resume.
type State struct {
	ID      string  `json:"id"`
	Task    Task    `json:"task"`
	Options Options `json:"options"`

	Phase  Phase  `json:"phase"`
	Status Status `json:"status"`

	// Attempts counts executions per phase; the next execution of a phase
	// uses Attempts[phase]+1.
	Attempts map[Phase]int    `json:"attempts"`
	Streaks  map[Phase]Streak `json:"streaks,omitempty"`
	History  []HistoryEntry   `json:"history"`
	Steps    int              `json:"steps"`

	Failure         *Failure           `json:"failure,omitempty"`
	PendingApproval *PendingApproval   `json:"pending_approval,omitempty"`
	Approvals       []ApprovalDecision `json:"approvals,omitempty"`

	// AppliedSeq is the store sequence of the last patch applied to the
	// working tree.
	AppliedSeq uint64 `json:"applied_seq,omitempty"`

	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState returns the initial state of a workflow.
func NewState(id string, task Task, opts Options, now time.Time) *State {
	return &State{
		ID:        id,
		Task:      task,
		Options:   opts,
		Phase:     PhasePlan,
		Status:    StatusRunning,
		Attempts:  map[Phase]int{},
		Streaks:   map[Phase]Streak{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Terminal reports whether the workflow has finished. A workflow that has
// entered DONE is not terminal until its completion step has run.
func (s *State) Terminal() bool {
	return s.Status == StatusTerminal
}

// Finish marks a workflow in DONE as terminal.
func (s *State) Finish() {
	s.Phase = PhaseDone
	s.Status = StatusTerminal
	s.PendingApproval = nil
}

// NextAttempt returns the attempt number of the next execution of phase.
func (s *State) NextAttempt(phase Phase) int {
	return s.Attempts[phase] + 1
}

// Record appends e to the history, assigning its sequence number.
func (s *State) Record(e HistoryEntry) {
	e.Seq = len(s.History) + 1
	s.History = append(s.History, e)
	s.UpdatedAt = e.FinishedAt
}

// Approval returns the decision recorded for (phase, attempt), if any.
func (s *State) Approval(phase Phase, attempt int) *ApprovalDecision {
	for i := len(s.Approvals) - 1; i >= 0; i-- {
		a := s.Approvals[i]
		if a.Phase == phase && a.Attempt == attempt {
			return &a
		}
	}
	return nil
}

// Fail moves the workflow to FAILED.
func (s *State) Fail(kind FailureKind, phase Phase, reason string) {
	s.Failure = &Failure{Kind: kind, Phase: phase, Reason: reason}
	s.Phase = PhaseFailed
	s.Status = StatusTerminal
	s.PendingApproval = nil
}

// Bump records a failure of kind in phase and returns the streak length.
// A different kind restarts the streak.
func (s *State) Bump(phase Phase, kind FailureKind) int {
	if s.Streaks == nil {
		s.Streaks = map[Phase]Streak{}
	}
	st := s.Streaks[phase]
	if st.Kind != kind {
		st = Streak{Kind: kind}
	}
	st.Count++
	s.Streaks[phase] = st
	return st.Count
}

// ResetStreak clears the failure streak of phase.
func (s *State) ResetStreak(phase Phase) {
	delete(s.Streaks, phase)
}

// Trail returns the phase sequence of the history, e.g. for reports.
func (s *State) Trail() []Phase {
	out := make([]Phase, 0, len(s.History))
	for _, e := range s.History {
		out = append(out, e.Phase)
	}
	return out
}
