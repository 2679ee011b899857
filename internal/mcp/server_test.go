package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/patchflow/internal/controller"
	"github.com/fyrsmithlabs/patchflow/internal/guardrail"
	"github.com/fyrsmithlabs/patchflow/internal/policy"
	"github.com/fyrsmithlabs/patchflow/internal/runner/runnertest"
	"github.com/fyrsmithlabs/patchflow/internal/store"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

var testTask = workflow.Task{Goal: "add retries", AllowedPaths: []string{"src/"}}

type testEnv struct {
	ctrl    *controller.Controller
	session *mcp.ClientSession
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctrl := controller.New(s, runnertest.Happy(), guardrail.New(guardrail.Config{}), policy.Default())
	srv, err := NewServer(nil, ctrl)
	require.NoError(t, err)

	serverT, clientT := mcp.NewInMemoryTransports()
	ss, err := srv.Connect(ctx, serverT)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	return &testEnv{ctrl: ctrl, session: cs}
}

func (env *testEnv) call(t *testing.T, tool string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := env.session.CallTool(context.Background(), &mcp.CallToolParams{Name: tool, Arguments: args})
	require.NoError(t, err)
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return tc.Text
}

func structured[T any](t *testing.T, res *mcp.CallToolResult) T {
	t.Helper()
	data, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestNewServer_RequiresWorkflows(t *testing.T) {
	_, err := NewServer(nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflows is required")
}

func TestListTools(t *testing.T) {
	env := setup(t)

	res, err := env.session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"workflow_report", "workflow_approve", "workflow_abort"}, names)
}

func TestWorkflowReport(t *testing.T) {
	env := setup(t)
	st, err := env.ctrl.Run(context.Background(), testTask, workflow.Options{})
	require.NoError(t, err)

	res := env.call(t, "workflow_report", map[string]any{"workflow_id": st.ID})
	require.False(t, res.IsError, text(t, res))

	assert.Contains(t, text(t, res), "Trail: PLAN -> CODE -> TEST -> REVIEW -> DONE")
	out := structured[reportOutput](t, res)
	assert.Equal(t, "DONE", out.State.Phase)
	assert.Equal(t, "terminal", out.State.Status)
	assert.Len(t, out.History, 5)
	require.Len(t, out.Final, 5)
	assert.Equal(t, "pr_description", out.Final[4].Kind)
	assert.Contains(t, out.Final[4].Body, "add retries")
}

func TestWorkflowReport_Errors(t *testing.T) {
	env := setup(t)

	res := env.call(t, "workflow_report", map[string]any{"workflow_id": "missing"})
	assert.True(t, res.IsError)

	res = env.call(t, "workflow_report", map[string]any{"workflow_id": "  "})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "workflow_id is required")
}

func TestWorkflowApprove(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	st, err := env.ctrl.Run(ctx, testTask, workflow.Options{HumanApprove: true})
	require.NoError(t, err)

	res := env.call(t, "workflow_approve", map[string]any{
		"workflow_id": st.ID, "approved": true, "phase": "code", "attempt": 1,
	})
	assert.True(t, res.IsError, "decision for an artifact that is not pending")

	res = env.call(t, "workflow_approve", map[string]any{
		"workflow_id": st.ID, "approved": true, "phase": "plan", "attempt": 1,
	})
	require.False(t, res.IsError, text(t, res))
	assert.Contains(t, text(t, res), "Decision approved recorded")

	st, err = env.ctrl.Resume(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseCode, st.PendingApproval.Phase)
	assert.Equal(t, "mcp", st.Approvals[0].Actor)
}

func TestWorkflowApprove_Deny(t *testing.T) {
	env := setup(t)
	st, err := env.ctrl.Run(context.Background(), testTask, workflow.Options{HumanApprove: true})
	require.NoError(t, err)

	res := env.call(t, "workflow_approve", map[string]any{
		"workflow_id": st.ID, "approved": false, "actor": "carol", "reason": "too broad",
	})
	require.False(t, res.IsError, text(t, res))

	out := structured[stateOutput](t, res)
	require.NotNil(t, out.Failure)
	assert.Equal(t, "ApprovalDenied", out.Failure.Kind)
	assert.Contains(t, out.Failure.Reason, "too broad")
}

func TestWorkflowAbort(t *testing.T) {
	env := setup(t)
	st, err := env.ctrl.Run(context.Background(), testTask, workflow.Options{HumanApprove: true})
	require.NoError(t, err)

	res := env.call(t, "workflow_abort", map[string]any{"workflow_id": st.ID})
	require.False(t, res.IsError, text(t, res))
	out := structured[stateOutput](t, res)
	assert.Equal(t, "FAILED", out.Phase)
	assert.Equal(t, "UserAbort", out.Failure.Kind)

	res = env.call(t, "workflow_abort", map[string]any{"workflow_id": st.ID})
	assert.True(t, res.IsError, "aborting a terminal workflow")
}
