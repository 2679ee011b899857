package http

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

// StateLister enumerates persisted workflows.
type StateLister interface {
	List(ctx context.Context) ([]string, error)
	LoadState(ctx context.Context, id string) (*workflow.State, error)
}

// CountByStatus counts persisted workflows by status.
//
// Returns zero counts when states is nil. A state that fails to load is
// skipped; listing failures are returned.
func CountByStatus(ctx context.Context, states StateLister) (WorkflowCounts, error) {
	var counts WorkflowCounts
	if states == nil {
		return counts, nil
	}

	ids, err := states.List(ctx)
	if err != nil {
		return counts, err
	}

	var errs []error
	for _, id := range ids {
		st, err := states.LoadState(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		counts.Total++
		switch {
		case st.Status == workflow.StatusWaiting:
			counts.Waiting++
		case !st.Terminal():
			counts.Running++
		case st.Failure != nil:
			counts.Failed++
		default:
			counts.Done++
		}
	}
	if len(errs) == len(ids) && len(ids) > 0 {
		return counts, errors.Join(errs...)
	}
	return counts, nil
}
