// Package workspace applies accepted patches to a working tree.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patchflow/internal/logging"
)

// ErrStale is returned when a patch older than the last applied one is
// offered.
var ErrStale = errors.New("stale patch")

// Applier applies a unified diff to a working tree.
type Applier interface {
	Apply(ctx context.Context, diff string) error
}

// Nop discards patches. Used for dry runs.
type Nop struct{}

func (Nop) Apply(context.Context, string) error { return nil }

// Request is one patch application.
type Request struct {
	WorkflowID string
	// Seq is the store sequence of the patch artifact.
	Seq uint64
	// Applied is the last sequence recorded in the workflow state.
	Applied uint64
	Diff    string
}

// Workspace serializes patch application and refuses superseded patches.
type Workspace struct {
	mu      sync.Mutex
	applier Applier
	applied map[string]uint64
	logger  *logging.Logger
}

// New wraps applier.
func New(applier Applier, logger *logging.Logger) *Workspace {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Workspace{
		applier: applier,
		applied: make(map[string]uint64),
		logger:  logger.Named("workspace"),
	}
}

// Apply applies req.Diff unless a patch with an equal or higher sequence
// was already applied for the workflow.
func (w *Workspace) Apply(ctx context.Context, req Request) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	last := req.Applied
	if mem := w.applied[req.WorkflowID]; mem > last {
		last = mem
	}
	if req.Seq <= last {
		return fmt.Errorf("%w: seq %d, last applied %d", ErrStale, req.Seq, last)
	}
	if err := w.applier.Apply(ctx, req.Diff); err != nil {
		return fmt.Errorf("applying patch seq %d: %w", req.Seq, err)
	}
	w.applied[req.WorkflowID] = req.Seq
	w.logger.Info(ctx, "patch applied", zap.Uint64("seq", req.Seq))
	return nil
}
