package runner_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/patchflow/internal/artifact"
	"github.com/fyrsmithlabs/patchflow/internal/runner"
	"github.com/fyrsmithlabs/patchflow/internal/runner/runnertest"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

func TestClassify(t *testing.T) {
	assert.Nil(t, runner.Classify(workflow.PhasePlan, nil))

	tests := []struct {
		name string
		err  error
		want runner.Kind
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), runner.Timeout},
		{"cancelled", context.Canceled, runner.Transient},
		{"unknown", errors.New("connection reset"), runner.Transient},
		{"unsupported", runner.ErrUnsupportedPhase, runner.Fatal},
		{"typed", fmt.Errorf("wrapped: %w", runner.Errorf(runner.Fatal, "boom")), runner.Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := runner.Classify(workflow.PhaseCode, tt.err)
			assert.Equal(t, tt.want, got.Kind)
			assert.Equal(t, workflow.PhaseCode, got.Phase)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestKind_FailureKind(t *testing.T) {
	assert.Equal(t, workflow.RunnerTimeout, runner.Timeout.FailureKind())
	assert.Equal(t, workflow.RunnerTransient, runner.Transient.FailureKind())
	assert.Equal(t, workflow.RunnerFatal, runner.Fatal.FailureKind())
}

func TestRunContext_Latest(t *testing.T) {
	rc := runner.RunContext{Artifacts: []artifact.Artifact{
		{Kind: artifact.KindPlan, Attempt: 1},
		{Kind: artifact.KindPatch, Attempt: 1},
		{Kind: artifact.KindPatch, Attempt: 2},
	}}
	a, ok := rc.Latest(artifact.KindPatch)
	require.True(t, ok)
	assert.Equal(t, 2, a.Attempt)

	_, ok = rc.Latest(artifact.KindReview)
	assert.False(t, ok)
}

func TestInstructionsAndCapabilities(t *testing.T) {
	for _, p := range []workflow.Phase{workflow.PhasePlan, workflow.PhaseCode, workflow.PhaseTest, workflow.PhaseReview, workflow.PhaseFix, workflow.PhaseDone} {
		assert.NotEmpty(t, runner.Instructions(p), p)
	}
	assert.Contains(t, runner.CapabilitiesFor(workflow.PhaseTest), runner.CapabilityTests)
	assert.Contains(t, runner.CapabilitiesFor(workflow.PhaseFix), runner.CapabilityVCS)
	assert.Nil(t, runner.CapabilitiesFor(workflow.PhaseDone))
}

func TestHybrid(t *testing.T) {
	llm := runnertest.New().On(workflow.PhasePlan, runnertest.Plan())
	sub := runnertest.New().On(workflow.PhaseTest, runnertest.Report(true))

	h, err := runner.NewHybrid(
		map[string]runner.Runner{"llm": llm, "subprocess": sub},
		map[workflow.Phase]string{workflow.PhaseTest: "subprocess"},
		"llm",
	)
	require.NoError(t, err)
	assert.Equal(t, "subprocess", h.Backend(workflow.PhaseTest))
	assert.Equal(t, "llm", h.Backend(workflow.PhaseReview))

	ctx := context.Background()
	a, err := h.Execute(ctx, workflow.PhasePlan, runner.RunContext{})
	require.NoError(t, err)
	assert.Equal(t, artifact.KindPlan, a.Kind)

	a, err = h.Execute(ctx, workflow.PhaseTest, runner.RunContext{})
	require.NoError(t, err)
	assert.Equal(t, artifact.KindTestReport, a.Kind)

	assert.Equal(t, 1, llm.Count(workflow.PhasePlan))
	assert.Equal(t, 0, llm.Count(workflow.PhaseTest))
	assert.Equal(t, 1, sub.Count(workflow.PhaseTest))
}

func TestNewHybrid_Errors(t *testing.T) {
	_, err := runner.NewHybrid(map[string]runner.Runner{}, nil, "llm")
	assert.Error(t, err)

	_, err = runner.NewHybrid(
		map[string]runner.Runner{"llm": runnertest.New()},
		map[workflow.Phase]string{workflow.PhaseTest: "temporal"},
		"llm",
	)
	assert.Error(t, err)
}

func TestScript_RepeatsLastStep(t *testing.T) {
	s := runnertest.New().On(workflow.PhaseTest, runnertest.Report(false), runnertest.Report(true))
	ctx := context.Background()

	for _, want := range []bool{false, true, true} {
		a, err := s.Execute(ctx, workflow.PhaseTest, runner.RunContext{})
		require.NoError(t, err)
		r, err := artifact.Decode[artifact.TestReport](a)
		require.NoError(t, err)
		assert.Equal(t, want, r.OK())
	}

	_, err := s.Execute(ctx, workflow.PhasePlan, runner.RunContext{})
	var re *runner.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, runner.Fatal, re.Kind)
}

func TestDecodeOutput(t *testing.T) {
	a, err := runner.DecodeOutput(workflow.PhaseDone, []byte("```json\n{\"title\":\"t\",\"body\":\"b\"}\n```"))
	require.NoError(t, err)
	assert.Equal(t, artifact.KindPRDescription, a.Kind)
	assert.Equal(t, `{"title":"t","body":"b"}`, string(a.Body))

	a, err = runner.DecodeOutput(workflow.PhaseCode, []byte(`{"kind":"plan","body":{"steps":["x"]}}`))
	require.NoError(t, err)
	assert.Equal(t, artifact.KindPlan, a.Kind, "declared kind is kept; the controller rejects mismatches")

	_, err = runner.DecodeOutput(workflow.PhaseCode, []byte("  "))
	assert.ErrorIs(t, err, artifact.ErrMalformed)
	_, err = runner.DecodeOutput(workflow.PhaseCode, []byte("sure, here you go"))
	assert.ErrorIs(t, err, artifact.ErrMalformed)
	_, err = runner.DecodeOutput(workflow.PhaseFailed, []byte("{}"))
	assert.ErrorIs(t, err, artifact.ErrMalformed)
}
