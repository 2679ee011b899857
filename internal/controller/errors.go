package controller

import (
	"errors"
	"fmt"
)

var (
	// ErrTerminal is returned when mutating a finished workflow.
	ErrTerminal = errors.New("workflow is terminal")
	// ErrNotWaiting is returned by Approve when nothing awaits a decision.
	ErrNotWaiting = errors.New("workflow is not waiting for approval")
	// ErrStaleApproval is returned when a decision names another artifact
	// than the pending one.
	ErrStaleApproval = errors.New("approval does not match pending artifact")
	// ErrAborted is returned to a driver whose workflow was aborted.
	ErrAborted = errors.New("workflow aborted")
	// ErrInvalidTask is returned by Run for a task that fails validation.
	ErrInvalidTask = errors.New("invalid task")
)

// Error records the operation and workflow an error occurred in.
type Error struct {
	Op  string
	ID  string
	Err error
}

func (e *Error) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Op: op, ID: id, Err: err}
}
