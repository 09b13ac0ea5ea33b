package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTaskTimeout marks results whose execution exceeded the per-task
// timeout. It is recorded in the Result, never returned from Execute.
var ErrTaskTimeout = errors.New("task timed out")

// CycleError is returned by BuildGroups when the dependency relation is
// not acyclic. Unplaced lists the task IDs that could not be assigned to
// any round.
type CycleError struct {
	Unplaced []string
	Cause    error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected, %d tasks unplaced: %s",
		len(e.Unplaced), strings.Join(e.Unplaced, ", "))
}

func (e *CycleError) Unwrap() error { return e.Cause }

// AbortError is returned by Execute in fail-fast mode. It names the first
// task whose failure triggered the abort.
type AbortError struct {
	TaskID string
	Err    error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("execution aborted: task %q failed: %v", e.TaskID, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }
