package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/patchflow/internal/artifact"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func planArtifact(body string) artifact.Artifact {
	return artifact.Artifact{Kind: artifact.KindPlan, Body: []byte(body)}
}

func TestPut_GetRoundTripIsByteIdentical(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Whitespace and key order must survive untouched.
	body := "{\n  \"test_strategy\": \"unit\",\n  \"steps\": [\"a\"],  \"files\": [], \"risks\": []\n}"
	stored, err := s.Put(ctx, "wf-1", workflow.PhasePlan, 1, planArtifact(body))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stored.Seq)
	assert.Equal(t, workflow.PhasePlan, stored.Phase)
	assert.False(t, stored.CreatedAt.IsZero())

	got, err := s.Get(ctx, "wf-1", workflow.PhasePlan, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte(body), got.Body)
	assert.Equal(t, stored.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())
}

func TestPut_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "wf-1", workflow.PhasePlan, 1, planArtifact(`{"v":1}`))
	require.NoError(t, err)

	_, err = s.Put(ctx, "wf-1", workflow.PhasePlan, 1, planArtifact(`{"v":2}`))
	require.ErrorIs(t, err, ErrDuplicate)

	got, err := s.Get(ctx, "wf-1", workflow.PhasePlan, 1)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(got.Body), "first write wins")
}

func TestPut_RejectsBadKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "a/b", workflow.PhasePlan, 1, planArtifact(`{}`))
	assert.Error(t, err)
	_, err = s.Put(ctx, "wf", workflow.PhasePlan, 0, planArtifact(`{}`))
	assert.Error(t, err)
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "wf-1", workflow.PhaseCode, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Latest(context.Background(), "wf-1", workflow.PhaseCode)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatest_And_History(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	writes := []struct {
		phase   workflow.Phase
		attempt int
	}{
		{workflow.PhasePlan, 1},
		{workflow.PhaseCode, 1},
		{workflow.PhaseTest, 1},
		{workflow.PhaseFix, 1},
		{workflow.PhaseTest, 2},
		// Attempt 10 sorts after 9 thanks to zero padding.
		{workflow.PhaseTest, 10},
	}
	for _, w := range writes {
		_, err := s.Put(ctx, "wf-1", w.phase, w.attempt, planArtifact(fmt.Sprintf(`{"a":%d}`, w.attempt)))
		require.NoError(t, err)
	}
	_, err := s.Put(ctx, "wf-2", workflow.PhasePlan, 1, planArtifact(`{}`))
	require.NoError(t, err)

	latest, err := s.Latest(ctx, "wf-1", workflow.PhaseTest)
	require.NoError(t, err)
	assert.Equal(t, 10, latest.Attempt)

	hist, err := s.History(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, hist, len(writes))
	for i, a := range hist {
		assert.Equal(t, uint64(i+1), a.Seq)
		assert.Equal(t, writes[i].phase, a.Phase)
		assert.Equal(t, writes[i].attempt, a.Attempt)
	}

	other, err := s.History(ctx, "wf-2")
	require.NoError(t, err)
	assert.Len(t, other, 1, "workflows do not share keys")
	assert.Equal(t, uint64(1), other[0].Seq, "sequences are per workflow")
}

func TestSaveState_OptimisticVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := workflow.NewState("wf-1", workflow.Task{Goal: "g", AllowedPaths: []string{"src/"}}, workflow.Options{}, time.Now().UTC())
	require.NoError(t, s.SaveState(ctx, st))
	assert.Equal(t, uint64(1), st.Version)

	stale, err := s.LoadState(ctx, "wf-1")
	require.NoError(t, err)

	st.Phase = workflow.PhaseCode
	require.NoError(t, s.SaveState(ctx, st))
	assert.Equal(t, uint64(2), st.Version)

	stale.Phase = workflow.PhaseFailed
	require.ErrorIs(t, s.SaveState(ctx, stale), ErrConflict)

	loaded, err := s.LoadState(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseCode, loaded.Phase)
	assert.Equal(t, uint64(2), loaded.Version)

	fresh := workflow.NewState("wf-1", workflow.Task{}, workflow.Options{}, time.Now())
	assert.ErrorIs(t, s.SaveState(ctx, fresh), ErrConflict, "version 0 cannot replace existing state")

	missing := workflow.NewState("wf-9", workflow.Task{}, workflow.Options{}, time.Now())
	missing.Version = 3
	assert.ErrorIs(t, s.SaveState(ctx, missing), ErrConflict)

	_, err = s.LoadState(ctx, "wf-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"wf-a", "wf-b"} {
		require.NoError(t, s.SaveState(ctx, workflow.NewState(id, workflow.Task{}, workflow.Options{}, time.Now())))
	}
	_, err := s.Put(ctx, "wf-c", workflow.PhasePlan, 1, planArtifact(`{}`))
	require.NoError(t, err)

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"wf-a", "wf-b"}, ids)
}

func TestConcurrentWorkflows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("wf-%d", w)
			for attempt := 1; attempt <= 5; attempt++ {
				_, err := s.Put(ctx, id, workflow.PhaseTest, attempt, planArtifact(`{}`))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < 8; w++ {
		hist, err := s.History(ctx, fmt.Sprintf("wf-%d", w))
		require.NoError(t, err)
		assert.Len(t, hist, 5)
	}
}

func TestPersistentReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Config{Path: dir, SyncWrites: true}, nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, "wf-1", workflow.PhasePlan, 1, planArtifact(`{"x":1}`))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: dir}, nil)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "wf-1", workflow.PhasePlan, 1)
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(got.Body))

	next, err := s.Put(ctx, "wf-1", workflow.PhaseCode, 1, planArtifact(`{}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.Seq, "sequence survives reopen")
}

func TestCancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Put(ctx, "wf", workflow.PhasePlan, 1, planArtifact(`{}`))
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.LoadState(ctx, "wf")
	assert.ErrorIs(t, err, context.Canceled)
}
