package guardrail

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/patchflow/internal/artifact"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

// QualityGate rejects failing test reports.
type QualityGate struct{}

func (QualityGate) Name() string { return "quality" }

func (QualityGate) Evaluate(in Input) Verdict {
	report, ok := in.Document.(*artifact.TestReport)
	if in.Phase != workflow.PhaseTest || !ok || report.OK() {
		return allow()
	}
	reason := "tests failed"
	if len(report.Commands) > 0 {
		reason = fmt.Sprintf("tests failed: %s", strings.Join(report.Commands, "; "))
	}
	return Verdict{Decision: Reject, Check: "quality", Reason: reason, Kind: workflow.QualityFailure}
}

// ReviewGate requires an explicit review decision. A missing decision asks a
// human; a recorded approval stands in for it.
type ReviewGate struct{}

func (ReviewGate) Name() string { return "review" }

func (ReviewGate) Evaluate(in Input) Verdict {
	review, ok := in.Document.(*artifact.Review)
	if in.Phase != workflow.PhaseReview || !ok {
		return allow()
	}
	if review.Approve == nil {
		return approvalVerdict("review", in.Approval, "review has no approve/reject decision")
	}
	if !*review.Approve {
		reason := "review rejected"
		if len(review.MustFix) > 0 {
			reason += ": " + strings.Join(review.MustFix, "; ")
		}
		return Verdict{Decision: Reject, Check: "review", Reason: reason, Kind: workflow.ReviewRejected}
	}
	return allow()
}

// HumanGate requires an approval for artifacts of selected phases, or of
// every phase when the workflow runs with human approval enabled.
type HumanGate struct {
	phases map[workflow.Phase]bool
}

// NewHumanGate gates the given phases.
func NewHumanGate(phases ...workflow.Phase) HumanGate {
	g := HumanGate{phases: make(map[workflow.Phase]bool, len(phases))}
	for _, p := range phases {
		g.phases[p] = true
	}
	return g
}

func (HumanGate) Name() string { return "human" }

func (g HumanGate) Evaluate(in Input) Verdict {
	if in.Phase.Terminal() || !(in.Options.HumanApprove || g.phases[in.Phase]) {
		return allow()
	}
	return approvalVerdict("human", in.Approval, fmt.Sprintf("%s artifact requires approval", in.Phase))
}

func approvalVerdict(check string, a *workflow.ApprovalDecision, reason string) Verdict {
	switch {
	case a == nil:
		return Verdict{Decision: NeedsApproval, Check: check, Reason: reason}
	case a.Approved:
		return allow()
	default:
		r := "approval denied"
		if a.Reason != "" {
			r += ": " + a.Reason
		}
		return Verdict{Decision: Block, Check: check, Reason: r, Kind: workflow.ApprovalDenied}
	}
}
