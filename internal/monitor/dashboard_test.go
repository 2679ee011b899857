package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/patchflow/internal/controller"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

type stubSource struct {
	rep *controller.Report
	err error
	ids []string
}

func (s *stubSource) Report(_ context.Context, id string) (*controller.Report, error) {
	s.ids = append(s.ids, id)
	return s.rep, s.err
}

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func entry(phase workflow.Phase, attempt int, outcome workflow.Outcome, next workflow.Phase, d time.Duration, reason string) workflow.HistoryEntry {
	return workflow.HistoryEntry{
		Phase:      phase,
		Attempt:    attempt,
		Outcome:    outcome,
		Next:       next,
		Reason:     reason,
		StartedAt:  t0,
		FinishedAt: t0.Add(d),
	}
}

func runningReport() *controller.Report {
	return &controller.Report{State: &workflow.State{
		ID:       "wf-1",
		Task:     workflow.Task{Goal: "add retries"},
		Phase:    workflow.PhaseTest,
		Status:   workflow.StatusRunning,
		Steps:    3,
		Attempts: map[workflow.Phase]int{workflow.PhasePlan: 1, workflow.PhaseCode: 1, workflow.PhaseTest: 1},
		History: []workflow.HistoryEntry{
			entry(workflow.PhasePlan, 1, workflow.OutcomeAccepted, workflow.PhaseCode, 1200*time.Millisecond, ""),
			entry(workflow.PhaseCode, 1, workflow.OutcomeAccepted, workflow.PhaseTest, 3*time.Second, ""),
			entry(workflow.PhaseTest, 1, workflow.OutcomeRejected, workflow.PhaseTest, 12300*time.Microsecond, "2 tests failed"),
		},
		CreatedAt: t0,
		UpdatedAt: t0.Add(5 * time.Second),
	}}
}

func TestNewModel(t *testing.T) {
	model := NewModel(&stubSource{}, "wf-1", 5*time.Second)
	assert.Equal(t, "wf-1", model.id)
	assert.Equal(t, 5*time.Second, model.interval)
	assert.False(t, model.quitting)
	assert.False(t, model.Finished())
}

func TestModel_Init(t *testing.T) {
	model := NewModel(&stubSource{}, "wf-1", 5*time.Second)
	assert.NotNil(t, model.Init())
}

func TestModel_Update_QuitKey(t *testing.T) {
	model := NewModel(&stubSource{}, "wf-1", 5*time.Second)

	updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})

	m := updated.(Model)
	assert.True(t, m.quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, m.View())
}

func TestModel_Update_RefreshKey(t *testing.T) {
	src := &stubSource{rep: runningReport()}
	model := NewModel(src, "wf-1", 5*time.Second)

	updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})

	m := updated.(Model)
	assert.False(t, m.quitting)
	require.NotNil(t, cmd)

	msg := cmd()
	rep, ok := msg.(reportMsg)
	require.True(t, ok)
	assert.Equal(t, "wf-1", rep.State.ID)
	assert.Equal(t, []string{"wf-1"}, src.ids)
}

func TestFetchReport_Error(t *testing.T) {
	src := &stubSource{err: errors.New("connection refused")}

	msg := fetchReport(src, "wf-1")()

	err, ok := msg.(errMsg)
	require.True(t, ok)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestModel_Update_TickMsg(t *testing.T) {
	model := NewModel(&stubSource{}, "wf-1", 5*time.Second)

	updated, cmd := model.Update(tickMsg(time.Now()))

	assert.False(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)
}

func TestModel_Update_TickStopsWhenFinished(t *testing.T) {
	model := NewModel(&stubSource{}, "wf-1", 5*time.Second)
	rep := runningReport()
	rep.State.Phase = workflow.PhaseDone
	rep.State.Status = workflow.StatusTerminal

	updated, _ := model.Update(reportMsg(rep))
	m := updated.(Model)
	require.True(t, m.Finished())

	_, cmd := m.Update(tickMsg(time.Now()))
	assert.Nil(t, cmd)
}

func TestModel_Update_ReportMsg(t *testing.T) {
	model := NewModel(&stubSource{}, "wf-1", 5*time.Second)
	model.err = errors.New("stale")

	updated, cmd := model.Update(reportMsg(runningReport()))

	m := updated.(Model)
	assert.Nil(t, cmd)
	assert.Nil(t, m.err)
	assert.False(t, m.lastUpdate.IsZero())
	assert.InDeltaSlice(t, []float64{1.2, 3, 0.0123}, m.durations, 1e-9)
}

func TestModel_Update_ErrMsg(t *testing.T) {
	model := NewModel(&stubSource{}, "wf-1", 5*time.Second)

	updated, cmd := model.Update(errMsg(fmt.Errorf("connection refused")))

	m := updated.(Model)
	require.Error(t, m.err)
	assert.Contains(t, m.err.Error(), "connection refused")
	assert.Nil(t, cmd)
}

func TestModel_View_Running(t *testing.T) {
	model := NewModel(&stubSource{}, "wf-1", 5*time.Second)
	updated, _ := model.Update(reportMsg(runningReport()))
	m := updated.(Model)
	m.lastUpdate = time.Date(2024, 1, 1, 12, 34, 56, 0, time.UTC)

	view := m.View()

	assert.Contains(t, view, "patchflow watch")
	assert.Contains(t, view, "RUNNING")
	assert.Contains(t, view, "wf-1")
	assert.Contains(t, view, "12:34:56")
	assert.Contains(t, view, "add retries")
	assert.Contains(t, view, "50%")
	assert.Contains(t, view, "PLAN 1  CODE 1  TEST 1")
	assert.Contains(t, view, "12.3ms")
	assert.Contains(t, view, "2 tests failed")
	assert.Contains(t, view, "[q]")
	assert.Contains(t, view, "[r]")
	assert.NotContains(t, view, "Awaiting approval")
	assert.NotContains(t, view, "Failure")
}

func TestModel_View_Waiting(t *testing.T) {
	rep := runningReport()
	rep.State.Status = workflow.StatusWaiting
	rep.State.PendingApproval = &workflow.PendingApproval{
		Phase:   workflow.PhaseCode,
		Attempt: 2,
		Check:   "human_approval",
		Reason:  "patch requires approval",
	}
	model := NewModel(&stubSource{}, "wf-1", 5*time.Second)
	updated, _ := model.Update(reportMsg(rep))

	view := updated.(Model).View()

	assert.Contains(t, view, "WAITING")
	assert.Contains(t, view, "Awaiting approval")
	assert.Contains(t, view, "CODE attempt 2")
	assert.Contains(t, view, "human_approval")
	assert.Contains(t, view, "patchflow approve wf-1")
}

func TestModel_View_Failed(t *testing.T) {
	rep := runningReport()
	rep.State.Phase = workflow.PhaseFailed
	rep.State.Status = workflow.StatusTerminal
	rep.State.Failure = &workflow.Failure{
		Kind:   workflow.RetryExhausted,
		Phase:  workflow.PhaseTest,
		Reason: "TEST failed 3 times",
	}
	model := NewModel(&stubSource{}, "wf-1", 5*time.Second)
	updated, _ := model.Update(reportMsg(rep))

	view := updated.(Model).View()

	assert.Contains(t, view, "FAILED")
	assert.Contains(t, view, "RetryExhausted")
	assert.Contains(t, view, "TEST failed 3 times")
}

func TestModel_View_WithError(t *testing.T) {
	model := NewModel(&stubSource{}, "wf-9", 5*time.Second)
	model.err = fmt.Errorf("connection refused")

	view := model.View()

	assert.Contains(t, view, "Cannot load workflow")
	assert.Contains(t, view, "connection refused")
	assert.Contains(t, view, "wf-9")
	assert.Contains(t, view, "[q]")
	assert.Contains(t, view, "[r]")
}

func TestModel_View_NoData(t *testing.T) {
	model := NewModel(&stubSource{}, "wf-1", 5*time.Second)

	view := model.View()

	assert.Contains(t, view, "patchflow watch")
	assert.Contains(t, view, "Loading workflow")
	assert.Contains(t, view, "[q]")
}

func TestProgressOf(t *testing.T) {
	tests := []struct {
		name     string
		state    workflow.State
		expected float64
	}{
		{"plan", workflow.State{Phase: workflow.PhasePlan}, 0},
		{"fix", workflow.State{Phase: workflow.PhaseFix}, 0.25},
		{"review", workflow.State{Phase: workflow.PhaseReview}, 0.75},
		{"done", workflow.State{Phase: workflow.PhaseDone}, 1},
		{"failed at test", workflow.State{Phase: workflow.PhaseFailed, Failure: &workflow.Failure{Phase: workflow.PhaseTest}}, 0.5},
		{"failed without record", workflow.State{Phase: workflow.PhaseFailed}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := tt.state
			assert.InDelta(t, tt.expected, progressOf(&st), 1e-9)
		})
	}
}

func TestAttemptDurations_KeepsNewest(t *testing.T) {
	var history []workflow.HistoryEntry
	for i := 1; i <= historySize+5; i++ {
		history = append(history, entry(workflow.PhaseTest, i, workflow.OutcomeRejected, workflow.PhaseTest, time.Duration(i)*time.Second, ""))
	}
	history = append(history, workflow.HistoryEntry{Phase: workflow.PhaseTest})

	got := attemptDurations(history)

	require.Len(t, got, historySize)
	assert.Equal(t, 6.0, got[0])
	assert.Equal(t, float64(historySize+5), got[len(got)-1])
}

func TestCreateSparkline_NoData(t *testing.T) {
	assert.Contains(t, createSparkline(nil), "no data")
	assert.NotEmpty(t, createSparkline([]float64{1, 2, 3}))
}
