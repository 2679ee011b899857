package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patchflow/internal/controller"
	"github.com/fyrsmithlabs/patchflow/internal/logging"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

func (s *Server) registerTools() {
	s.registerReportTool()
	s.registerApproveTool()
	s.registerAbortTool()
}

// ===== Shared output types =====

type failureOutput struct {
	Kind   string `json:"kind" jsonschema:"Failure kind, e.g. ScopeViolation or RetryExhausted"`
	Phase  string `json:"phase" jsonschema:"Phase that failed"`
	Reason string `json:"reason" jsonschema:"Failure details"`
}

type pendingOutput struct {
	Phase   string `json:"phase" jsonschema:"Phase awaiting a decision"`
	Attempt int    `json:"attempt" jsonschema:"Attempt awaiting a decision"`
	Check   string `json:"check" jsonschema:"Guardrail or escalation that asked for approval"`
	Reason  string `json:"reason" jsonschema:"Why approval is needed"`
}

type stateOutput struct {
	ID      string         `json:"id" jsonschema:"Workflow ID"`
	Phase   string         `json:"phase" jsonschema:"Current phase"`
	Status  string         `json:"status" jsonschema:"running, waiting or terminal"`
	Steps   int            `json:"steps" jsonschema:"Phase executions so far"`
	Failure *failureOutput `json:"failure,omitempty" jsonschema:"Terminal failure, if any"`
	Pending *pendingOutput `json:"pending,omitempty" jsonschema:"Pending approval, if waiting"`
}

func toStateOutput(st *workflow.State) stateOutput {
	out := stateOutput{
		ID:     st.ID,
		Phase:  string(st.Phase),
		Status: string(st.Status),
		Steps:  st.Steps,
	}
	if f := st.Failure; f != nil {
		out.Failure = &failureOutput{Kind: string(f.Kind), Phase: string(f.Phase), Reason: f.Reason}
	}
	if p := st.PendingApproval; p != nil {
		out.Pending = &pendingOutput{Phase: string(p.Phase), Attempt: p.Attempt, Check: p.Check, Reason: p.Reason}
	}
	return out
}

func summarize(st *workflow.State) string {
	switch {
	case st.Failure != nil:
		return fmt.Sprintf("Workflow %s FAILED in %s: %s (%s)", st.ID, st.Failure.Phase, st.Failure.Kind, st.Failure.Reason)
	case st.Status == workflow.StatusWaiting && st.PendingApproval != nil:
		return fmt.Sprintf("Workflow %s waiting for approval of %s attempt %d: %s",
			st.ID, st.PendingApproval.Phase, st.PendingApproval.Attempt, st.PendingApproval.Reason)
	default:
		return fmt.Sprintf("Workflow %s is %s in %s", st.ID, st.Status, st.Phase)
	}
}

// track records one tool invocation; call the returned func with the
// handler's error.
func (s *Server) track(ctx context.Context, tool string) func(error) {
	start := time.Now()
	s.metrics.IncrementActive(ctx, tool)
	return func(err error) {
		s.metrics.DecrementActive(ctx, tool)
		s.metrics.RecordInvocation(ctx, tool, time.Since(start), err)
		if err != nil {
			s.logger.Warn(ctx, "tool failed", zap.String("tool", tool), zap.Error(err))
		}
	}
}

// ===== workflow_report =====

type reportInput struct {
	WorkflowID string `json:"workflow_id" jsonschema:"Workflow ID"`
}

type historyOutput struct {
	Phase   string `json:"phase"`
	Attempt int    `json:"attempt"`
	Outcome string `json:"outcome" jsonschema:"accepted, rejected, blocked, error, waiting, approved, denied or aborted"`
	Kind    string `json:"kind,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Next    string `json:"next"`
}

type artifactOutput struct {
	Seq     uint64 `json:"seq"`
	Kind    string `json:"kind"`
	Phase   string `json:"phase"`
	Attempt int    `json:"attempt"`
	Body    string `json:"body" jsonschema:"Artifact document as JSON"`
}

type reportOutput struct {
	State   stateOutput      `json:"state"`
	History []historyOutput  `json:"history"`
	Final   []artifactOutput `json:"final" jsonschema:"Newest accepted artifact of each phase"`
}

func (s *Server) registerReportTool() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "workflow_report",
		Description: "Show a workflow's state, transition history and accepted artifacts",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args reportInput) (*mcp.CallToolResult, reportOutput, error) {
		var toolErr error
		done := s.track(ctx, "workflow_report")
		defer func() { done(toolErr) }()

		id, err := workflowID(args.WorkflowID)
		if err != nil {
			toolErr = err
			return nil, reportOutput{}, err
		}
		ctx = logging.WithWorkflow(ctx, id)

		rep, err := s.workflows.Report(ctx, id)
		if err != nil {
			toolErr = err
			return nil, reportOutput{}, err
		}

		out := reportOutput{State: toStateOutput(rep.State)}
		for _, e := range rep.State.History {
			out.History = append(out.History, historyOutput{
				Phase:   string(e.Phase),
				Attempt: e.Attempt,
				Outcome: string(e.Outcome),
				Kind:    string(e.Kind),
				Reason:  e.Reason,
				Next:    string(e.Next),
			})
		}
		for _, a := range rep.Final {
			out.Final = append(out.Final, artifactOutput{
				Seq:     a.Seq,
				Kind:    string(a.Kind),
				Phase:   string(a.Phase),
				Attempt: a.Attempt,
				Body:    string(a.Body),
			})
		}

		trail := make([]string, 0, len(out.History))
		for _, h := range out.History {
			trail = append(trail, h.Phase)
		}
		text := summarize(rep.State)
		if len(trail) > 0 {
			text += "\nTrail: " + strings.Join(trail, " -> ")
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, out, nil
	})
}

// ===== workflow_approve =====

type approveInput struct {
	WorkflowID string `json:"workflow_id" jsonschema:"Workflow ID"`
	Approved   bool   `json:"approved" jsonschema:"true to approve, false to deny"`
	Actor      string `json:"actor,omitempty" jsonschema:"Who decided (default: operator)"`
	Reason     string `json:"reason,omitempty" jsonschema:"Reason recorded with the decision"`
	Phase      string `json:"phase,omitempty" jsonschema:"Phase of the artifact being decided; rejected if no longer pending"`
	Attempt    int    `json:"attempt,omitempty" jsonschema:"Attempt of the artifact being decided"`
}

func (s *Server) registerApproveTool() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "workflow_approve",
		Description: "Approve or deny the artifact a waiting workflow is blocked on. Denial fails the workflow.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args approveInput) (*mcp.CallToolResult, stateOutput, error) {
		var toolErr error
		done := s.track(ctx, "workflow_approve")
		defer func() { done(toolErr) }()

		id, err := workflowID(args.WorkflowID)
		if err != nil {
			toolErr = err
			return nil, stateOutput{}, err
		}
		ctx = logging.WithWorkflow(ctx, id)

		d := workflow.ApprovalDecision{
			Approved: args.Approved,
			Actor:    args.Actor,
			Reason:   args.Reason,
			Attempt:  args.Attempt,
		}
		if d.Actor == "" {
			d.Actor = "mcp"
		}
		if args.Phase != "" {
			if d.Phase, err = workflow.ParsePhase(args.Phase); err != nil {
				toolErr = fmt.Errorf("%w: %v", errInvalidArgument, err)
				return nil, stateOutput{}, toolErr
			}
		}

		st, err := s.workflows.Approve(ctx, id, d)
		if err != nil {
			toolErr = err
			return nil, stateOutput{}, err
		}

		verb := "approved"
		if !args.Approved {
			verb = "denied"
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Decision %s recorded. %s", verb, summarize(st))},
			},
		}, toStateOutput(st), nil
	})
}

// ===== workflow_abort =====

type abortInput struct {
	WorkflowID string `json:"workflow_id" jsonschema:"Workflow ID"`
}

func (s *Server) registerAbortTool() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "workflow_abort",
		Description: "Abort a workflow. A running phase is cancelled and its result discarded.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args abortInput) (*mcp.CallToolResult, stateOutput, error) {
		var toolErr error
		done := s.track(ctx, "workflow_abort")
		defer func() { done(toolErr) }()

		id, err := workflowID(args.WorkflowID)
		if err != nil {
			toolErr = err
			return nil, stateOutput{}, err
		}
		ctx = logging.WithWorkflow(ctx, id)

		st, err := s.workflows.Abort(ctx, id)
		if err != nil {
			toolErr = err
			return nil, stateOutput{}, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: summarize(st)}},
		}, toStateOutput(st), nil
	})
}

// errInvalidArgument marks tool input errors.
var errInvalidArgument = errors.New("invalid argument")

func workflowID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: workflow_id is required", errInvalidArgument)
	}
	if strings.ContainsAny(id, "/\\ ") {
		return "", fmt.Errorf("%w: workflow_id %q", errInvalidArgument, id)
	}
	return id, nil
}

var _ Workflows = (*controller.Controller)(nil)
