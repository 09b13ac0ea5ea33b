package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentmux/agentmux/internal/background"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/scheduler"
)

// stubTeam is a minimal Team for routing tests.
type stubTeam struct {
	mu       sync.Mutex
	teamType string
	status   registry.TeamStatus
	load     float64
	caps     map[string]registry.Capability
}

func newStubTeam(teamType string, caps ...registry.Capability) *stubTeam {
	t := &stubTeam{
		teamType: teamType,
		status:   registry.StatusIdle,
		caps:     make(map[string]registry.Capability, len(caps)),
	}
	for _, c := range caps {
		t.caps[c.TaskType] = c
	}
	return t
}

func (s *stubTeam) Type() string { return s.teamType }

func (s *stubTeam) Status() registry.TeamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *stubTeam) CanHandle(taskType string) bool {
	_, ok := s.caps[taskType]
	return ok
}

func (s *stubTeam) Capability(taskType string) (registry.Capability, bool) {
	c, ok := s.caps[taskType]
	return c, ok
}

func (s *stubTeam) Load() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load
}

func (s *stubTeam) setLoad(load float64) {
	s.mu.Lock()
	s.load = load
	s.mu.Unlock()
}

func (s *stubTeam) Start(ctx context.Context) error {
	s.mu.Lock()
	s.status = registry.StatusIdle
	s.mu.Unlock()
	return nil
}

func (s *stubTeam) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.status = registry.StatusStopped
	s.mu.Unlock()
	return nil
}

func (s *stubTeam) Metrics() registry.TeamMetrics { return registry.TeamMetrics{} }

// slotTeam is a stubTeam drawing capacity from a shared provider.
type slotTeam struct {
	*stubTeam
	provider string
}

func (s *slotTeam) ProviderKey() string { return s.provider }

func node(id, taskType string, deps ...string) scheduler.TaskNode {
	return scheduler.TaskNode{
		Task:      scheduler.Task{ID: id, Type: taskType},
		DependsOn: deps,
	}
}

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	if cfg.Registry == nil {
		cfg.Registry = registry.New(nil, zerolog.Nop())
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = func(ctx context.Context, n scheduler.TaskNode, team registry.Team) (any, error) {
			return nil, nil
		}
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

func TestNewValidatesConfig(t *testing.T) {
	dispatch := func(ctx context.Context, n scheduler.TaskNode, team registry.Team) (any, error) {
		return nil, nil
	}

	if _, err := New(Config{Dispatch: dispatch}); err == nil {
		t.Error("expected error without a registry")
	}
	if _, err := New(Config{Registry: registry.New(nil, zerolog.Nop())}); err == nil {
		t.Error("expected error without a dispatch function")
	}
}

func TestExecuteTaskRoutesToBestTeam(t *testing.T) {
	reg := registry.New(nil, zerolog.Nop())

	// slow scores 10*0.5=5, fast scores 8*1=8: fast must win.
	slow := newStubTeam("slow", registry.Capability{TaskType: "feature", Priority: 10})
	slow.setLoad(0.5)
	fast := newStubTeam("fast", registry.Capability{TaskType: "feature", Priority: 8})
	_ = reg.Register(slow)
	_ = reg.Register(fast)

	var dispatchedTo string
	c := newTestCoordinator(t, Config{
		Registry: reg,
		Dispatch: func(ctx context.Context, n scheduler.TaskNode, team registry.Team) (any, error) {
			dispatchedTo = team.Type()
			return "done", nil
		},
	})

	res := c.ExecuteTask(context.Background(), node("t1", "feature"))
	if res.Status != scheduler.StatusSucceeded || res.Output != "done" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if dispatchedTo != "fast" {
		t.Errorf("expected dispatch to fast, got %q", dispatchedTo)
	}

	recorded, ok := c.State().Result("t1")
	if !ok || recorded.Status != scheduler.StatusSucceeded {
		t.Errorf("expected recorded success, got %+v", recorded)
	}
}

func TestExecuteTaskNoTeam(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	res := c.ExecuteTask(context.Background(), node("t1", "unroutable"))
	if res.Status != scheduler.StatusFailed {
		t.Fatalf("expected failure, got %s", res.Status)
	}
	var noTeam *NoTeamError
	if !errors.As(res.Err, &noTeam) {
		t.Fatalf("expected *NoTeamError, got %v", res.Err)
	}
	if noTeam.TaskType != "unroutable" {
		t.Errorf("expected task type unroutable, got %q", noTeam.TaskType)
	}

	if recorded, ok := c.State().Result("t1"); !ok || recorded.Status != scheduler.StatusFailed {
		t.Error("failed dispatch must still be recorded")
	}
}

func TestDispatchBracketsProviderSlots(t *testing.T) {
	reg := registry.New(nil, zerolog.Nop())
	team := &slotTeam{
		stubTeam: newStubTeam("workers", registry.Capability{TaskType: "gen", Priority: 1}),
		provider: "model-api",
	}
	_ = reg.Register(team)

	pool, err := scheduler.NewSlotPool(map[string]int{"model-api": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var current, peak atomic.Int32
	c := newTestCoordinator(t, Config{
		Registry: reg,
		Pool:     pool,
		Dispatch: func(ctx context.Context, n scheduler.TaskNode, team registry.Team) (any, error) {
			cur := current.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			current.Add(-1)
			return nil, nil
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.ExecuteTask(context.Background(), node(string(rune('a'+i)), "gen"))
		}(i)
	}
	wg.Wait()

	if got := peak.Load(); got != 1 {
		t.Errorf("expected provider slot to serialize dispatch, peak was %d", got)
	}
	if used := pool.Stats().UsedSlots; used != 0 {
		t.Errorf("expected all slots released, %d still used", used)
	}
}

func TestExecuteTaskSetRespectsDependencies(t *testing.T) {
	reg := registry.New(nil, zerolog.Nop())
	_ = reg.Register(newStubTeam("workers", registry.Capability{TaskType: "step", Priority: 1}))

	var mu sync.Mutex
	var order []string
	c := newTestCoordinator(t, Config{
		Registry: reg,
		Dispatch: func(ctx context.Context, n scheduler.TaskNode, team registry.Team) (any, error) {
			mu.Lock()
			order = append(order, n.Task.ID)
			mu.Unlock()
			return n.Task.ID, nil
		},
	})

	nodes := []scheduler.TaskNode{
		node("build", "step"),
		node("test", "step", "build"),
		node("ship", "step", "test"),
	}
	results, err := c.ExecuteTaskSet(context.Background(), nodes, scheduler.Config{MaxConcurrency: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i, want := range []string{"build", "test", "ship"} {
		if results[i].TaskID != want || results[i].Status != scheduler.StatusSucceeded {
			t.Errorf("result %d: expected %s succeeded, got %+v", i, want, results[i])
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"build", "test", "ship"} {
		if order[i] != want {
			t.Errorf("dispatch order %d: expected %s, got %s", i, want, order[i])
		}
	}

	stats := c.State().Stats()
	if stats.Executed != 3 || stats.Succeeded != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestExecuteTaskSetSkipsDependentsOfFailures(t *testing.T) {
	reg := registry.New(nil, zerolog.Nop())
	_ = reg.Register(newStubTeam("workers", registry.Capability{TaskType: "step", Priority: 1}))

	c := newTestCoordinator(t, Config{
		Registry: reg,
		Dispatch: func(ctx context.Context, n scheduler.TaskNode, team registry.Team) (any, error) {
			if n.Task.ID == "flaky" {
				return nil, errors.New("transient")
			}
			return nil, nil
		},
	})

	nodes := []scheduler.TaskNode{
		node("flaky", "step"),
		node("dependent", "step", "flaky"),
		node("independent", "step"),
	}
	results, err := c.ExecuteTaskSet(context.Background(), nodes, scheduler.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if results[0].Status != scheduler.StatusFailed {
		t.Errorf("expected flaky failed, got %s", results[0].Status)
	}
	if results[1].Status != scheduler.StatusSkipped {
		t.Errorf("expected dependent skipped, got %s", results[1].Status)
	}
	if results[2].Status != scheduler.StatusSucceeded {
		t.Errorf("expected independent succeeded, got %s", results[2].Status)
	}

	stats := c.State().Stats()
	if stats.Executed != 2 || stats.Failed != 1 || stats.Skipped != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	runCh := bus.Subscribe(events.TopicRun, 8)

	reg := registry.New(bus, zerolog.Nop())
	team := newStubTeam("workers")
	_ = reg.Register(team)

	c := newTestCoordinator(t, Config{Registry: reg, Bus: bus})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.State().Status() != RunRunning {
		t.Errorf("expected running, got %s", c.State().Status())
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.State().Status() != RunStopped {
		t.Errorf("expected stopped, got %s", c.State().Status())
	}
	if team.Status() != registry.StatusStopped {
		t.Error("expected teams stopped with the run")
	}

	types := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case event := <-runCh:
			types[event.EventType()] = true
		case <-time.After(time.Second):
			t.Fatal("missing run lifecycle events")
		}
	}
	if !types[events.EventTypeRunStarted] || !types[events.EventTypeRunStopped] {
		t.Errorf("expected start and stop events, saw %v", types)
	}
}

func TestStopCancelsBackgroundWork(t *testing.T) {
	bg := background.NewManager(zerolog.Nop())
	c := newTestCoordinator(t, Config{Background: bg})

	started := make(chan struct{})
	h, err := c.LaunchBackground(context.Background(), func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-started

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("background work was not cancelled by Stop")
	}
	if h.Status() != background.StatusCancelled {
		t.Errorf("expected cancelled, got %s", h.Status())
	}
}

func TestLaunchBackgroundWithoutManager(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	if _, err := c.LaunchBackground(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	}); err == nil {
		t.Error("expected error without a background manager")
	}
}

func TestStatsComposition(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	reg := registry.New(bus, zerolog.Nop())
	_ = reg.Register(newStubTeam("workers", registry.Capability{TaskType: "step", Priority: 1}))

	pool, err := scheduler.NewSlotPool(map[string]int{"model-api": 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bg := background.NewManager(zerolog.Nop())

	c := newTestCoordinator(t, Config{
		Registry:   reg,
		Pool:       pool,
		Bus:        bus,
		Background: bg,
	})

	_ = c.ExecuteTask(context.Background(), node("t1", "step"))
	h, _ := c.LaunchBackground(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	})
	<-h.Done()

	s := c.Stats()
	if s.RunID != c.RunID() {
		t.Errorf("expected run id %q, got %q", c.RunID(), s.RunID)
	}
	if s.Teams != 1 {
		t.Errorf("expected 1 team, got %d", s.Teams)
	}
	if s.Run.Executed != 1 || s.Run.Succeeded != 1 {
		t.Errorf("unexpected run stats: %+v", s.Run)
	}
	if s.Slots.TotalSlots != 3 || s.Slots.UsedSlots != 0 {
		t.Errorf("unexpected slot stats: %+v", s.Slots)
	}
	if s.BackgroundTasks != 1 {
		t.Errorf("expected 1 background handle, got %d", s.BackgroundTasks)
	}
}
