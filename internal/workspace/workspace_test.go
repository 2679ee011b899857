package workspace

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingApplier struct {
	mu    sync.Mutex
	diffs []string
	err   error
}

func (r *recordingApplier) Apply(_ context.Context, diff string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.diffs = append(r.diffs, diff)
	return nil
}

func TestWorkspace_RejectsStalePatches(t *testing.T) {
	rec := &recordingApplier{}
	ws := New(rec, nil)
	ctx := context.Background()

	require.NoError(t, ws.Apply(ctx, Request{WorkflowID: "a", Seq: 3, Diff: "three"}))
	assert.ErrorIs(t, ws.Apply(ctx, Request{WorkflowID: "a", Seq: 2, Diff: "two"}), ErrStale)
	assert.ErrorIs(t, ws.Apply(ctx, Request{WorkflowID: "a", Seq: 3, Diff: "three"}), ErrStale)
	require.NoError(t, ws.Apply(ctx, Request{WorkflowID: "b", Seq: 1, Diff: "other workflow"}))

	assert.Equal(t, []string{"three", "other workflow"}, rec.diffs)
}

func TestWorkspace_HonoursPersistedSequence(t *testing.T) {
	ws := New(&recordingApplier{}, nil)
	err := ws.Apply(context.Background(), Request{WorkflowID: "a", Seq: 4, Applied: 7})
	assert.ErrorIs(t, err, ErrStale)
}

func TestWorkspace_FailedApplyDoesNotAdvance(t *testing.T) {
	rec := &recordingApplier{err: errors.New("does not apply")}
	ws := New(rec, nil)
	ctx := context.Background()

	require.Error(t, ws.Apply(ctx, Request{WorkflowID: "a", Seq: 5}))
	rec.err = nil
	require.NoError(t, ws.Apply(ctx, Request{WorkflowID: "a", Seq: 5, Diff: "retry"}))
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Apply(context.Background(), "anything"))
}

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "a.go"), []byte("package a\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("src/a.go")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

const addLine = `diff --git a/src/a.go b/src/a.go
--- a/src/a.go
+++ b/src/a.go
@@ -1 +1,2 @@
 package a
+// changed
`

func TestGitTree_ApplyIsIdempotent(t *testing.T) {
	dir := initRepo(t)
	tree, err := OpenGitTree(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, tree.Apply(ctx, addLine))
	require.NoError(t, tree.Apply(ctx, addLine), "reapplying is a no-op")

	content, err := os.ReadFile(filepath.Join(dir, "src", "a.go"))
	require.NoError(t, err)
	assert.Equal(t, "package a\n// changed\n", string(content))

	changed, err := tree.Changed()
	require.NoError(t, err)
	assert.Equal(t, []string{"src/a.go"}, changed)
}

func TestGitTree_ApplyConflict(t *testing.T) {
	dir := initRepo(t)
	tree, err := OpenGitTree(dir)
	require.NoError(t, err)

	bad := "diff --git a/src/a.go b/src/a.go\n--- a/src/a.go\n+++ b/src/a.go\n@@ -1 +1 @@\n-package b\n+package c\n"
	assert.Error(t, tree.Apply(context.Background(), bad))
}

func TestGitTree_Checkout(t *testing.T) {
	dir := initRepo(t)
	tree, err := OpenGitTree(dir)
	require.NoError(t, err)

	require.NoError(t, tree.Checkout("patchflow/work"))
	branch, err := tree.Branch()
	require.NoError(t, err)
	assert.Equal(t, "patchflow/work", branch)

	require.NoError(t, tree.Checkout("patchflow/work"), "existing branch")
}

func TestOpenGitTree_NotARepo(t *testing.T) {
	_, err := OpenGitTree(t.TempDir())
	assert.Error(t, err)
}
