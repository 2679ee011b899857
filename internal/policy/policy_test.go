package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/patchflow/internal/config"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

func TestRulePolicy_Decide(t *testing.T) {
	p := Default()

	tests := []struct {
		name  string
		phase workflow.Phase
		kind  workflow.FailureKind
		count int
		want  Action
	}{
		{"first test failure goes to fix", workflow.PhaseTest, workflow.QualityFailure, 1, ToFix},
		{"second test failure goes to fix", workflow.PhaseTest, workflow.QualityFailure, 2, ToFix},
		{"third test failure exhausts", workflow.PhaseTest, workflow.QualityFailure, 3, Fail},
		{"review rejection goes to fix", workflow.PhaseReview, workflow.ReviewRejected, 1, ToFix},
		{"third review rejection exhausts", workflow.PhaseReview, workflow.ReviewRejected, 3, Fail},
		{"timeout retries in place", workflow.PhaseCode, workflow.RunnerTimeout, 1, RetrySame},
		{"transient retries in place", workflow.PhasePlan, workflow.RunnerTransient, 2, RetrySame},
		{"transient exhausts", workflow.PhasePlan, workflow.RunnerTransient, 3, Fail},
		{"runner fatal fails at once", workflow.PhaseCode, workflow.RunnerFatal, 1, Fail},
		{"scope violation never retried", workflow.PhaseCode, workflow.ScopeViolation, 1, Fail},
		{"secret leak never retried", workflow.PhaseFix, workflow.SecretLeak, 1, Fail},
		{"denial never retried", workflow.PhaseReview, workflow.ApprovalDenied, 1, Fail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Decide(tt.phase, tt.kind, tt.count, p.MaxAttempts(tt.phase))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRulePolicy_PerPhaseRules(t *testing.T) {
	p, err := Parse([]byte(`
max_attempts: 4
phases:
  review:
    max_attempts: 2
    on_exhaustion: escalate
`))
	require.NoError(t, err)

	assert.Equal(t, 4, p.MaxAttempts(workflow.PhaseTest))
	assert.Equal(t, 2, p.MaxAttempts(workflow.PhaseReview))
	assert.Equal(t, ToFix, p.Decide(workflow.PhaseReview, workflow.ReviewRejected, 1, 2))
	assert.Equal(t, EscalateHuman, p.Decide(workflow.PhaseReview, workflow.ReviewRejected, 2, 2))
	assert.Equal(t, Fail, p.Decide(workflow.PhaseTest, workflow.QualityFailure, 4, 4))
}

func TestParse_Errors(t *testing.T) {
	tests := []string{
		"phases:\n  deploy:\n    max_attempts: 1\n",
		"phases:\n  test:\n    on_exhaustion: panic\n",
		"max_attempts: -1\n",
		"retries: 3\n",
		"max_attempts: [\n",
	}
	for _, doc := range tests {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, doc)
	}
}

func TestFromConfig(t *testing.T) {
	p, err := FromConfig(config.PolicyConfig{
		MaxAttempts: 5,
		Phases:      map[string]config.RuleConfig{"test": {MaxAttempts: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, p.MaxAttempts(workflow.PhaseCode))
	assert.Equal(t, 1, p.MaxAttempts(workflow.PhaseTest))
}

func TestSwappable(t *testing.T) {
	strict, err := New(Rules{MaxAttempts: 1})
	require.NoError(t, err)

	s := NewSwappable(Default())
	assert.Equal(t, 3, s.MaxAttempts(workflow.PhaseTest))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				a := s.Decide(workflow.PhaseTest, workflow.QualityFailure, 1, s.MaxAttempts(workflow.PhaseTest))
				assert.Contains(t, []Action{ToFix, Fail}, a)
			}
		}()
	}
	s.Store(strict)
	wg.Wait()

	assert.Equal(t, 1, s.MaxAttempts(workflow.PhaseTest))
	assert.Equal(t, Fail, s.Decide(workflow.PhaseTest, workflow.QualityFailure, 1, 1))
}

func TestSnapshot(t *testing.T) {
	strict, err := New(Rules{MaxAttempts: 1})
	require.NoError(t, err)
	base := Default()

	s := NewSwappable(base)
	snap := Snapshot(s)
	s.Store(strict)

	assert.Same(t, base, snap)
	assert.Equal(t, 3, snap.MaxAttempts(workflow.PhaseTest))
	assert.Same(t, strict, Snapshot(s))
	assert.Same(t, base, Snapshot(base), "a plain policy is its own snapshot")
}

func TestWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_attempts: 3\n"), 0o600))

	initial, err := LoadFile(path)
	require.NoError(t, err)
	s := NewSwappable(initial)

	w, err := NewWatcher(path, s, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("max_attempts: 7\n"), 0o600))

	select {
	case <-w.Reloaded():
	case <-time.After(5 * time.Second):
		t.Fatal("policy was not reloaded")
	}
	assert.Equal(t, 7, s.MaxAttempts(workflow.PhasePlan))
}

func TestWatcher_InvalidFileKeepsPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_attempts: 2\n"), 0o600))

	initial, err := LoadFile(path)
	require.NoError(t, err)
	s := NewSwappable(initial)

	w, err := NewWatcher(path, s, nil)
	require.NoError(t, err)

	// Exercise the reload path directly; event timing is covered above.
	require.NoError(t, os.WriteFile(path, []byte("phases: {deploy: {}}\n"), 0o600))
	w.reload(context.Background())
	assert.Equal(t, 2, s.MaxAttempts(workflow.PhasePlan))
	w.Stop()
}
