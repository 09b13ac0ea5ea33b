// Package coordinator ties the registry, slot pool, group builder and
// bounded executor together into the platform's scheduling engine.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentmux/agentmux/internal/background"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/scheduler"
)

// DispatchFunc is the consumed task-executor contract: it turns a task
// and a selected team into a produced payload or an error. The
// coordinator never inspects the payload.
type DispatchFunc func(ctx context.Context, node scheduler.TaskNode, team registry.Team) (any, error)

// NoTeamError is recorded when routing finds no available team for a
// task type.
type NoTeamError struct {
	TaskType string
}

func (e *NoTeamError) Error() string {
	return fmt.Sprintf("no available team for task type %q", e.TaskType)
}

// Config wires a Coordinator. Registry and Dispatch are required; Pool,
// Bus and Background are optional collaborators.
type Config struct {
	Registry   *registry.Registry
	Pool       *scheduler.SlotPool
	Bus        *events.Bus
	Background *background.Manager
	Dispatch   DispatchFunc
	Retry      RetryConfig // Zero value disables retry and breakers
	Logger     zerolog.Logger
}

// Coordinator routes single tasks to the best available team and runs
// dependency-ordered task sets through the bounded executor, feeding
// every outcome into its run state.
type Coordinator struct {
	cfg      Config
	runID    string
	state    *RunState
	breakers *BreakerRegistry
	exec     *scheduler.ParallelExecutor
	log      zerolog.Logger
}

// New creates a Coordinator from cfg.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("coordinator requires a registry")
	}
	if cfg.Dispatch == nil {
		return nil, fmt.Errorf("coordinator requires a dispatch function")
	}

	log := cfg.Logger
	return &Coordinator{
		cfg:      cfg,
		runID:    uuid.New().String()[:8],
		state:    NewRunState(),
		breakers: NewBreakerRegistry(log),
		exec:     scheduler.NewParallelExecutor(log),
		log:      log,
	}, nil
}

// RunID returns the coordinator's run identifier.
func (c *Coordinator) RunID() string { return c.runID }

// State returns the run state aggregator.
func (c *Coordinator) State() *RunState { return c.state }

// Start marks the run as running and starts every registered team
// concurrently. Individual team failures are events, not a reason to
// refuse the run; the joined error reports them to the caller.
func (c *Coordinator) Start(ctx context.Context) error {
	c.state.Start()
	c.publish(events.TopicRun, events.RunStartedEvent{RunID: c.runID, Timestamp: time.Now()})
	c.log.Info().Str("run", c.runID).Msg("coordinator started")
	return c.cfg.Registry.StartAll(ctx)
}

// Stop cancels tracked background work, stops every team and marks the
// run stopped.
func (c *Coordinator) Stop(ctx context.Context) error {
	defer c.state.Stop()

	if c.cfg.Background != nil {
		c.cfg.Background.CancelAll()
	}
	err := c.cfg.Registry.StopAll(ctx)

	c.publish(events.TopicRun, events.RunStoppedEvent{RunID: c.runID, Timestamp: time.Now()})
	c.log.Info().Str("run", c.runID).Msg("coordinator stopped")
	return err
}

// ExecuteTask routes one task to the best available team, dispatches it
// and records the outcome. The result is always returned, failure or not.
func (c *Coordinator) ExecuteTask(ctx context.Context, node scheduler.TaskNode) scheduler.Result {
	start := time.Now()
	output, err := c.dispatch(ctx, node)

	res := scheduler.Result{TaskID: node.Task.ID, Duration: time.Since(start)}
	if err != nil {
		res.Status = scheduler.StatusFailed
		res.Err = err
	} else {
		res.Status = scheduler.StatusSucceeded
		res.Output = output
	}

	c.state.RecordResult(res)
	return res
}

// ExecuteTaskSet batches the nodes by dependency, runs them through the
// bounded executor with per-task routing, and records every settled
// outcome. See scheduler.ParallelExecutor for ordering and fail-fast
// semantics.
func (c *Coordinator) ExecuteTaskSet(ctx context.Context, nodes []scheduler.TaskNode, cfg scheduler.Config) ([]scheduler.Result, error) {
	results, err := c.exec.Execute(ctx, nodes, func(ctx context.Context, node scheduler.TaskNode) (any, error) {
		return c.dispatch(ctx, node)
	}, cfg)

	for _, res := range results {
		if res.TaskID == "" {
			continue // abandoned slot on early ctx error
		}
		c.state.RecordResult(res)
	}
	return results, err
}

// LaunchBackground starts detached work tracked by the background
// manager.
func (c *Coordinator) LaunchBackground(ctx context.Context, fn background.Func, opts ...background.LaunchOption) (*background.Handle, error) {
	if c.cfg.Background == nil {
		return nil, fmt.Errorf("coordinator has no background manager")
	}
	return c.cfg.Background.Launch(ctx, fn, opts...), nil
}

// dispatch selects the best team for the node's task type, brackets the
// call with the slot pool when the team is provider-limited, and applies
// the retry/breaker policy when configured.
func (c *Coordinator) dispatch(ctx context.Context, node scheduler.TaskNode) (any, error) {
	team, ok := c.cfg.Registry.BestTeamForTaskType(node.Task.Type)
	if !ok {
		return nil, &NoTeamError{TaskType: node.Task.Type}
	}

	if keyed, ok := team.(registry.ProviderKeyed); ok && c.cfg.Pool != nil {
		provider := keyed.ProviderKey()
		if c.cfg.Pool.Limited(provider) {
			if err := c.cfg.Pool.Acquire(ctx, provider); err != nil {
				return nil, fmt.Errorf("acquiring slot for provider %q: %w", provider, err)
			}
			defer c.cfg.Pool.Release(provider)
		}
	}

	c.publish(events.TopicTask, events.TaskDispatchedEvent{ID: node.Task.ID, TeamType: team.Type(), Timestamp: time.Now()})
	c.log.Debug().Str("task", node.Task.ID).Str("team", team.Type()).Msg("dispatching task")

	start := time.Now()
	var output any
	var err error
	if c.cfg.Retry.enabled() {
		output, err = dispatchWithRetry(ctx, node, team, c.cfg.Dispatch, c.breakers.Get(team.Type()), c.cfg.Retry)
	} else {
		output, err = c.cfg.Dispatch(ctx, node, team)
	}

	if err != nil {
		c.publish(events.TopicTask, events.TaskFailedEvent{ID: node.Task.ID, TeamType: team.Type(), Err: err, Duration: time.Since(start), Timestamp: time.Now()})
		return nil, err
	}
	c.publish(events.TopicTask, events.TaskCompletedEvent{ID: node.Task.ID, TeamType: team.Type(), Duration: time.Since(start), Timestamp: time.Now()})
	return output, nil
}

// Summary is the aggregate view composed from the run state, registry,
// slot pool and background manager so callers query one place.
type Summary struct {
	RunID           string
	Status          RunStatus
	Run             RunStats
	Teams           int
	Slots           scheduler.PoolStats
	BackgroundTasks int
	DroppedEvents   uint64
}

// Stats composes the aggregate summary.
func (c *Coordinator) Stats() Summary {
	s := Summary{
		RunID:  c.runID,
		Status: c.state.Status(),
		Run:    c.state.Stats(),
		Teams:  c.cfg.Registry.Count(),
	}
	if c.cfg.Pool != nil {
		s.Slots = c.cfg.Pool.Stats()
	}
	if c.cfg.Background != nil {
		s.BackgroundTasks = c.cfg.Background.Len()
	}
	if c.cfg.Bus != nil {
		s.DroppedEvents = c.cfg.Bus.Dropped()
	}
	return s
}

func (c *Coordinator) publish(topic string, event events.Event) {
	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(topic, event)
	}
}
