package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/fyrsmithlabs/patchflow/internal/controller"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

// Exit statuses.
const (
	exitOK          = 0
	exitError       = 1
	exitPolicy      = 2
	exitExhausted   = 3
	exitAborted     = 4
	exitRunnerFatal = 5
	exitWaiting     = 10
)

// statusError ends a command with a specific exit status. err may be nil
// when the status alone says everything.
type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *statusError) Unwrap() error { return e.err }

// stateCode maps where a workflow stopped to an exit status.
func stateCode(st *workflow.State) int {
	switch {
	case st == nil:
		return exitError
	case st.Phase == workflow.PhaseDone:
		return exitOK
	case st.Status == workflow.StatusWaiting:
		return exitWaiting
	case st.Failure != nil:
		return failureCode(st.Failure.Kind)
	}
	return exitError
}

func failureCode(kind workflow.FailureKind) int {
	switch kind {
	case workflow.ScopeViolation, workflow.SecretLeak, workflow.ApprovalDenied:
		return exitPolicy
	case workflow.RetryExhausted, workflow.StepLimitReached:
		return exitExhausted
	case workflow.UserAbort:
		return exitAborted
	case workflow.RunnerFatal:
		return exitRunnerFatal
	}
	return exitError
}

// finish turns the result of a workflow-driving call into the command error.
func finish(st *workflow.State, err error) error {
	if err != nil {
		if errors.Is(err, controller.ErrAborted) {
			return &statusError{code: exitAborted, err: err}
		}
		return err
	}
	if code := stateCode(st); code != exitOK {
		return &statusError{code: code}
	}
	return nil
}

// exitStatus reports err on w and returns the process exit status.
func exitStatus(w io.Writer, err error) int {
	if err == nil {
		return exitOK
	}
	var se *statusError
	if errors.As(err, &se) {
		if se.err != nil {
			fmt.Fprintf(w, "Error: %v\n", se.err)
		}
		return se.code
	}
	fmt.Fprintf(w, "Error: %v\n", err)
	return exitError
}
