package registry

import (
	"context"
	"testing"
	"time"

	"github.com/agentmux/agentmux/internal/events"
)

// notifierTeam pushes its status transitions instead of being polled.
type notifierTeam struct {
	*mockTeam
	updates chan TeamStatus
}

func newNotifierTeam(teamType string) *notifierTeam {
	return &notifierTeam{
		mockTeam: newMockTeam(teamType),
		updates:  make(chan TeamStatus, 8),
	}
}

func (n *notifierTeam) StatusUpdates() <-chan TeamStatus { return n.updates }

func awaitStatusChange(t *testing.T, ch <-chan events.Event, teamType string) events.TeamStatusChangedEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-ch:
			if changed, ok := event.(events.TeamStatusChangedEvent); ok && changed.TeamType == teamType {
				return changed
			}
		case <-deadline:
			t.Fatal("no TeamStatusChangedEvent observed")
		}
	}
}

func assertNoStatusChange(t *testing.T, ch <-chan events.Event, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case event := <-ch:
			if changed, ok := event.(events.TeamStatusChangedEvent); ok {
				t.Fatalf("unexpected status change event: %+v", changed)
			}
		case <-deadline:
			return
		}
	}
}

func TestWatchPollEmitsOnTransition(t *testing.T) {
	reg, bus := testRegistry()
	defer bus.Close()
	teamCh := bus.Subscribe(events.TopicTeam, 32)

	team := newMockTeam("poller")
	_ = reg.Register(team)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Watch(ctx, 10*time.Millisecond)

	team.setStatus(StatusProcessing)

	changed := awaitStatusChange(t, teamCh, "poller")
	if changed.From != "idle" || changed.To != "processing" {
		t.Errorf("expected idle -> processing, got %s -> %s", changed.From, changed.To)
	}

	// Unchanged status must not generate more events on later ticks.
	assertNoStatusChange(t, teamCh, 60*time.Millisecond)
}

func TestWatchPushEmitsOnTransition(t *testing.T) {
	reg, bus := testRegistry()
	defer bus.Close()
	teamCh := bus.Subscribe(events.TopicTeam, 32)

	team := newNotifierTeam("pusher")
	_ = reg.Register(team)

	// A huge poll interval proves the push path works without polling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Watch(ctx, time.Hour)

	team.updates <- StatusPaused
	changed := awaitStatusChange(t, teamCh, "pusher")
	if changed.From != "idle" || changed.To != "paused" {
		t.Errorf("expected idle -> paused, got %s -> %s", changed.From, changed.To)
	}

	// Pushing the same status again is not a transition.
	team.updates <- StatusPaused
	assertNoStatusChange(t, teamCh, 50*time.Millisecond)

	team.updates <- StatusIdle
	changed = awaitStatusChange(t, teamCh, "pusher")
	if changed.From != "paused" || changed.To != "idle" {
		t.Errorf("expected paused -> idle, got %s -> %s", changed.From, changed.To)
	}
}

func TestWatchNeverPollsNotifierTeams(t *testing.T) {
	reg, bus := testRegistry()
	defer bus.Close()
	teamCh := bus.Subscribe(events.TopicTeam, 32)

	team := newNotifierTeam("pusher")
	_ = reg.Register(team)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Watch(ctx, 10*time.Millisecond)

	// The underlying status diverges without a push; the poller must not
	// pick it up.
	team.setStatus(StatusError)
	assertNoStatusChange(t, teamCh, 60*time.Millisecond)
}

func TestWatchAttachesLateRegistrations(t *testing.T) {
	reg, bus := testRegistry()
	defer bus.Close()
	teamCh := bus.Subscribe(events.TopicTeam, 32)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Watch(ctx, 10*time.Millisecond)

	// Registered after the watcher started: picked up on a later tick.
	team := newNotifierTeam("late")
	_ = reg.Register(team)

	time.Sleep(30 * time.Millisecond)
	team.updates <- StatusProcessing

	changed := awaitStatusChange(t, teamCh, "late")
	if changed.To != "processing" {
		t.Errorf("expected transition to processing, got %s", changed.To)
	}
}
