package scheduler

import "time"

// Task is an opaque unit of work. The scheduler only reads ID and Type;
// Payload belongs to the caller and is handed through untouched.
type Task struct {
	ID      string // Unique identifier
	Type    string // Task type, matched against team capabilities
	Payload any    // Caller-owned content, never inspected here
}

// TaskNode pairs a task with its dependency edges. It is the input unit
// of the group builder.
type TaskNode struct {
	Task      Task
	DependsOn []string // IDs of tasks that must settle first
}

// TaskGroup is one round of parallel-safe tasks. Groups execute strictly
// in order; every task of a set appears in exactly one group.
type TaskGroup struct {
	ID              string
	Tasks           []TaskNode // Submission order preserved
	DependsOnGroups []string   // Exactly the earlier groups a member depends on
}

// ResultStatus describes how a task settled.
type ResultStatus int

const (
	StatusSucceeded ResultStatus = iota // Executor function returned a value
	StatusFailed                        // Executor function returned an error
	StatusTimedOut                      // Exceeded the per-task timeout
	StatusSkipped                       // Never started (failed ancestor or abort)
)

// String returns a short label for logging.
func (s ResultStatus) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	case StatusSkipped:
		return "skipped"
	}
	return "unknown"
}

// Failed reports whether the status counts as a failure. Skipped tasks
// were never attempted and do not count.
func (s ResultStatus) Failed() bool {
	return s == StatusFailed || s == StatusTimedOut
}

// Result is the settled outcome of one task.
type Result struct {
	TaskID   string
	Status   ResultStatus
	Output   any // Executor payload on success, opaque to the scheduler
	Err      error
	Duration time.Duration
}
