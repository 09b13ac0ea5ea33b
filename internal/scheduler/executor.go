package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ExecFunc executes a single task and produces its payload or an error.
// The scheduler never inspects the payload.
type ExecFunc func(ctx context.Context, node TaskNode) (any, error)

// Config controls one Execute call.
type Config struct {
	MaxConcurrency int           // Max in-flight tasks per group (default 4)
	TaskTimeout    time.Duration // Per-task timeout; zero disables
	FailFast       bool          // Abort on first failure
}

// ParallelExecutor runs dependency-grouped task sets with bounded
// concurrency. Groups execute strictly in order; a group never starts
// until the previous group has fully settled.
type ParallelExecutor struct {
	log zerolog.Logger
}

// NewParallelExecutor creates an executor that logs through the given
// logger.
func NewParallelExecutor(log zerolog.Logger) *ParallelExecutor {
	return &ParallelExecutor{log: log}
}

// Execute runs every node through fn and returns one result per input
// node, positionally in input order regardless of completion order.
//
// With FailFast set, the first failing task stops issuance everywhere and
// the call returns (nil, *AbortError) naming that task; in-flight tasks
// still settle before the call returns. Without FailFast every task either
// runs or is recorded as skipped when an ancestor did not succeed, and the
// call always yields a full result slice.
func (e *ParallelExecutor) Execute(ctx context.Context, nodes []TaskNode, fn ExecFunc, cfg Config) ([]Result, error) {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}

	groups, err := BuildGroups(nodes)
	if err != nil {
		return nil, err
	}

	position := make(map[string]int, len(nodes))
	for i, n := range nodes {
		position[n.Task.ID] = i
	}

	results := make([]Result, len(nodes))

	var aborted atomic.Bool
	var firstMu sync.Mutex
	var firstFailure Result

	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		e.log.Debug().Str("group", group.ID).Int("tasks", len(group.Tasks)).Msg("starting group")

		// Workers never return an error: one task's failure must not abort
		// siblings already in flight. Failures live in the result slice.
		g := new(errgroup.Group)
		g.SetLimit(cfg.MaxConcurrency)

		for _, node := range group.Tasks {
			idx := position[node.Task.ID]

			// g.Go blocks while the group is at its concurrency limit, so
			// this check observes failures from tasks that settled while
			// we were waiting to issue the next one.
			if aborted.Load() {
				results[idx] = Result{TaskID: node.Task.ID, Status: StatusSkipped, Err: fmt.Errorf("not started: execution aborted")}
				continue
			}
			// Dependencies sit in earlier, fully settled groups, so their
			// results are stable reads here. Skips cascade to dependents.
			if skip, depID := skipReason(node, position, results); skip {
				results[idx] = Result{TaskID: node.Task.ID, Status: StatusSkipped, Err: fmt.Errorf("dependency %q did not succeed", depID)}
				continue
			}

			node := node
			g.Go(func() error {
				// Re-check after possibly blocking on the concurrency
				// limit: a failure may have landed in the meantime.
				if aborted.Load() {
					results[idx] = Result{TaskID: node.Task.ID, Status: StatusSkipped, Err: fmt.Errorf("not started: execution aborted")}
					return nil
				}

				res := e.runTask(ctx, node, fn, cfg.TaskTimeout)
				results[idx] = res

				if cfg.FailFast && res.Status.Failed() {
					firstMu.Lock()
					if firstFailure.TaskID == "" {
						firstFailure = res
					}
					firstMu.Unlock()
					aborted.Store(true)
				}
				return nil
			})
		}

		// Wait for the group to fully settle before the next one starts,
		// in every mode. Later tasks may assume predecessors produced a
		// result, even a failed one.
		_ = g.Wait()

		if cfg.FailFast && aborted.Load() {
			return nil, &AbortError{TaskID: firstFailure.TaskID, Err: firstFailure.Err}
		}
	}

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// skipReason reports whether a node must be skipped because a dependency
// did not succeed, and names the offending dependency.
func skipReason(node TaskNode, position map[string]int, results []Result) (bool, string) {
	for _, depID := range node.DependsOn {
		res := results[position[depID]]
		if res.TaskID == "" {
			// Dependency never settled; treat as unmet.
			return true, depID
		}
		if res.Status.Failed() || res.Status == StatusSkipped {
			return true, depID
		}
	}
	return false, ""
}

// runTask invokes fn with an optional timeout. Timeouts are cooperative:
// the work unit is not interrupted, only its result is treated as failed
// and any late value is discarded.
func (e *ParallelExecutor) runTask(ctx context.Context, node TaskNode, fn ExecFunc, timeout time.Duration) Result {
	start := time.Now()

	type outcome struct {
		output any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		output, err := fn(ctx, node)
		done <- outcome{output: output, err: err}
	}()

	var out outcome
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case out = <-done:
		case <-timer.C:
			e.log.Warn().Str("task", node.Task.ID).Dur("timeout", timeout).Msg("task timed out")
			return Result{
				TaskID:   node.Task.ID,
				Status:   StatusTimedOut,
				Err:      fmt.Errorf("%w after %s", ErrTaskTimeout, timeout),
				Duration: time.Since(start),
			}
		}
	} else {
		out = <-done
	}

	if out.err != nil {
		return Result{
			TaskID:   node.Task.ID,
			Status:   StatusFailed,
			Err:      out.err,
			Duration: time.Since(start),
		}
	}
	return Result{
		TaskID:   node.Task.ID,
		Status:   StatusSucceeded,
		Output:   out.output,
		Duration: time.Since(start),
	}
}
