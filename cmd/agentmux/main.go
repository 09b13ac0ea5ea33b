package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentmux/agentmux/internal/background"
	"github.com/agentmux/agentmux/internal/coordinator"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/scheduler"
)

// demoTeam is a minimal in-process team used by the smoke run.
type demoTeam struct {
	teamType     string
	provider     string
	capabilities map[string]registry.Capability
	status       atomic.Int32
	processed    atomic.Int64
}

func newDemoTeam(teamType, provider string, caps ...registry.Capability) *demoTeam {
	t := &demoTeam{
		teamType:     teamType,
		provider:     provider,
		capabilities: make(map[string]registry.Capability, len(caps)),
	}
	for _, c := range caps {
		t.capabilities[c.TaskType] = c
	}
	return t
}

func (t *demoTeam) Type() string                { return t.teamType }
func (t *demoTeam) Status() registry.TeamStatus { return registry.TeamStatus(t.status.Load()) }
func (t *demoTeam) CanHandle(taskType string) bool {
	_, ok := t.capabilities[taskType]
	return ok
}
func (t *demoTeam) Capability(taskType string) (registry.Capability, bool) {
	c, ok := t.capabilities[taskType]
	return c, ok
}
func (t *demoTeam) Load() float64 { return 0 }
func (t *demoTeam) Start(ctx context.Context) error {
	t.status.Store(int32(registry.StatusIdle))
	return nil
}
func (t *demoTeam) Stop(ctx context.Context) error {
	t.status.Store(int32(registry.StatusStopped))
	return nil
}
func (t *demoTeam) Metrics() registry.TeamMetrics {
	return registry.TeamMetrics{TasksProcessed: t.processed.Load()}
}
func (t *demoTeam) ProviderKey() string { return t.provider }

func main() {
	// Signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	bus := events.NewBus()
	defer bus.Close()

	pool, err := scheduler.NewSlotPool(map[string]int{"model-api": 2})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid slot pool configuration")
	}

	reg := registry.New(bus, log)
	teams := []*demoTeam{
		newDemoTeam("builders", "model-api",
			registry.Capability{TaskType: "build", Priority: 10},
			registry.Capability{TaskType: "test", Priority: 5}),
		newDemoTeam("reviewers", "model-api",
			registry.Capability{TaskType: "review", Priority: 10}),
	}
	for _, t := range teams {
		if err := reg.Register(t); err != nil {
			log.Fatal().Err(err).Str("team", t.Type()).Msg("registration failed")
		}
	}

	coord, err := coordinator.New(coordinator.Config{
		Registry:   reg,
		Pool:       pool,
		Bus:        bus,
		Background: background.NewManager(log),
		Logger:     log,
		Dispatch: func(ctx context.Context, node scheduler.TaskNode, team registry.Team) (any, error) {
			if dt, ok := team.(*demoTeam); ok {
				dt.processed.Add(1)
			}
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return fmt.Sprintf("%s handled by %s", node.Task.ID, team.Type()), nil
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("coordinator setup failed")
	}

	// Observe team status transitions while the run executes
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go reg.Watch(watchCtx, 100*time.Millisecond)

	if err := coord.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("some teams failed to start")
	}

	nodes := []scheduler.TaskNode{
		{Task: scheduler.Task{ID: "build-core", Type: "build"}},
		{Task: scheduler.Task{ID: "build-api", Type: "build"}},
		{Task: scheduler.Task{ID: "test-core", Type: "test"}, DependsOn: []string{"build-core"}},
		{Task: scheduler.Task{ID: "review-all", Type: "review"}, DependsOn: []string{"build-api", "test-core"}},
	}

	results, err := coord.ExecuteTaskSet(ctx, nodes, scheduler.Config{
		MaxConcurrency: 2,
		TaskTimeout:    5 * time.Second,
	})
	if err != nil {
		log.Error().Err(err).Msg("task set failed")
	}
	for _, res := range results {
		log.Info().Str("task", res.TaskID).Str("status", res.Status.String()).Dur("took", res.Duration).Msg("task settled")
	}

	if err := coord.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("some teams failed to stop")
	}

	stats := coord.Stats()
	log.Info().
		Int("executed", stats.Run.Executed).
		Int("succeeded", stats.Run.Succeeded).
		Int("failed", stats.Run.Failed).
		Int("teams", stats.Teams).
		Msg("run summary")
}
