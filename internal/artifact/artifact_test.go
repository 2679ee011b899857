package artifact

import (
	"errors"
	"testing"

	"github.com/fyrsmithlabs/patchflow/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpectedKind(t *testing.T) {
	tests := []struct {
		phase workflow.Phase
		want  Kind
	}{
		{workflow.PhasePlan, KindPlan},
		{workflow.PhaseCode, KindPatch},
		{workflow.PhaseFix, KindPatch},
		{workflow.PhaseTest, KindTestReport},
		{workflow.PhaseReview, KindReview},
		{workflow.PhaseDone, KindPRDescription},
	}
	for _, tt := range tests {
		got, ok := ExpectedKind(tt.phase)
		assert.True(t, ok, tt.phase)
		assert.Equal(t, tt.want, got, tt.phase)
	}
	_, ok := ExpectedKind(workflow.PhaseFailed)
	assert.False(t, ok)
}

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		body string
	}{
		{"plan", KindPlan, `{"steps":["edit"],"files":[],"risks":[],"test_strategy":"unit"}`},
		{"patch", KindPatch, `{"diff":"--- a/x\n","touched_files":["src/x.go"],"summary":{"description":"d","rationale":"r"}}`},
		// Escaping paths are well-formed; the scope guardrail rejects them.
		{"patch escaping root", KindPatch, `{"diff":"d","touched_files":["../etc/passwd"],"summary":{"description":"d","rationale":"r"}}`},
		{"patch absolute path", KindPatch, `{"diff":"d","touched_files":["/etc/passwd"],"summary":{"description":"d","rationale":"r"}}`},
		{"summary", KindChangeSummary, `{"description":"d","rationale":"r"}`},
		{"failing report", KindTestReport, `{"commands":["go test"],"passed":false,"output":""}`},
		{"review without decision", KindReview, `{"must_fix":[],"nice_to_have":[],"conditions":""}`},
		{"pr", KindPRDescription, `{"title":"t","body":"b"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(Artifact{Kind: tt.kind, Body: []byte(tt.body)})
			assert.NoError(t, err)
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		body string
	}{
		{"unknown kind", Kind("poem"), `{}`},
		{"not json", KindPlan, `steps: [a]`},
		{"plan without steps", KindPlan, `{"steps":[],"files":[],"risks":[],"test_strategy":"x"}`},
		{"plan missing risks", KindPlan, `{"steps":["a"],"files":[],"test_strategy":"x"}`},
		{"patch without summary", KindPatch, `{"diff":"d","touched_files":["a.go"]}`},
		{"patch with empty path", KindPatch, `{"diff":"d","touched_files":[""],"summary":{"description":"d","rationale":"r"}}`},
		{"report missing passed", KindTestReport, `{"commands":[],"output":"x"}`},
		{"review missing conditions", KindReview, `{"must_fix":[],"nice_to_have":[],"approve":true}`},
		{"pr missing body", KindPRDescription, `{"title":"t"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(Artifact{Kind: tt.kind, Body: []byte(tt.body)})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
		})
	}
}

func TestDecode(t *testing.T) {
	a, err := New(KindTestReport, TestReport{Commands: []string{"make test"}, Passed: Bool(true), Output: String("ok")})
	require.NoError(t, err)

	report, err := Decode[TestReport](a)
	require.NoError(t, err)
	assert.True(t, report.OK())

	_, err = Decode[Review](a)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCheck(t *testing.T) {
	plan, err := New(KindPlan, Plan{Steps: []string{"a"}, Files: []string{}, Risks: []string{}, TestStrategy: "t"})
	require.NoError(t, err)

	assert.NoError(t, Check(workflow.PhasePlan, plan))
	assert.ErrorIs(t, Check(workflow.PhaseCode, plan), ErrMalformed)
	assert.Error(t, Check(workflow.PhaseFailed, plan))
}
