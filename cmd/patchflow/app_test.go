package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/patchflow/internal/logging"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
	"github.com/fyrsmithlabs/patchflow/internal/workspace"
)

func gitApp(t *testing.T) (*app, *logging.TestLogger, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("a.go")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	tree, err := workspace.OpenGitTree(dir)
	require.NoError(t, err)
	logger := logging.NewTestLogger()
	return &app{tree: tree, logger: logger.Logger}, logger, dir
}

func TestCheckout_SwitchesToTargetBranch(t *testing.T) {
	a, logger, _ := gitApp(t)

	require.NoError(t, a.checkout(context.Background(), workflow.Options{TargetBranch: "patchflow/work"}))

	branch, err := a.tree.Branch()
	require.NoError(t, err)
	assert.Equal(t, "patchflow/work", branch)
	logger.AssertField(t, "working tree ready", "branch", "patchflow/work")
	assert.Zero(t, logger.FilterMessage("uncommitted").Len())
}

func TestCheckout_WarnsOnDirtyTree(t *testing.T) {
	a, logger, dir := gitApp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n// local edit\n"), 0o644))

	require.NoError(t, a.checkout(context.Background(), workflow.Options{TargetBranch: "patchflow/work"}))

	logger.AssertLogged(t, zapcore.WarnLevel, "uncommitted changes")
	logger.AssertField(t, "working tree has uncommitted changes", "count", int64(1))
}

func TestCheckout_DryRunLeavesTreeAlone(t *testing.T) {
	a, _, _ := gitApp(t)

	require.NoError(t, a.checkout(context.Background(), workflow.Options{TargetBranch: "patchflow/work", DryRun: true}))

	branch, err := a.tree.Branch()
	require.NoError(t, err)
	assert.NotEqual(t, "patchflow/work", branch)
}
