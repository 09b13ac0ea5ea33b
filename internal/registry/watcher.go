package registry

import (
	"context"
	"time"

	"github.com/agentmux/agentmux/internal/events"
)

// DefaultPollInterval is the fallback timer-diff interval for teams that
// cannot push status changes.
const DefaultPollInterval = time.Second

// Watch observes team status transitions until ctx is cancelled and
// publishes a TeamStatusChangedEvent whenever an observed value actually
// differs from the last seen one.
//
// Teams implementing StatusNotifier push their changes and are never
// polled. Teams without it are diffed against their last-seen status on
// every tick; the poll is a documented compromise for worker contracts
// that cannot emit notifications.
func (r *Registry) Watch(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	r.attachNotifiers(ctx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Teams registered after Watch started get their notifier
			// hooked up on the next tick.
			r.attachNotifiers(ctx)
			r.pollOnce()
		}
	}
}

// attachNotifiers starts a forwarding goroutine for every push-capable
// team that does not have one yet.
func (r *Registry) attachNotifiers(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for teamType, e := range r.teams {
		if e.notifying {
			continue
		}
		notifier, ok := e.team.(StatusNotifier)
		if !ok {
			continue
		}
		e.notifying = true
		go r.forwardStatus(ctx, teamType, notifier.StatusUpdates())
	}
}

func (r *Registry) forwardStatus(ctx context.Context, teamType string, updates <-chan TeamStatus) {
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-updates:
			if !ok {
				return
			}
			r.observe(teamType, status)
		}
	}
}

// pollOnce diffs the current status of every poll-only team.
func (r *Registry) pollOnce() {
	r.mu.RLock()
	type probe struct {
		teamType string
		team     Team
	}
	probes := make([]probe, 0, len(r.teams))
	for teamType, e := range r.teams {
		if e.notifying {
			continue
		}
		probes = append(probes, probe{teamType: teamType, team: e.team})
	}
	r.mu.RUnlock()

	// Status calls happen outside the lock; a team's Status may block
	// briefly on its own synchronization.
	for _, p := range probes {
		r.observe(p.teamType, p.team.Status())
	}
}

// observe records a status observation and emits an event only when the
// value actually changed.
func (r *Registry) observe(teamType string, status TeamStatus) {
	r.mu.Lock()
	e, ok := r.teams[teamType]
	if !ok || e.lastStatus == status {
		r.mu.Unlock()
		return
	}
	from := e.lastStatus
	e.lastStatus = status
	r.mu.Unlock()

	r.log.Debug().Str("team", teamType).Str("from", from.String()).Str("to", status.String()).Msg("team status changed")
	r.publish(events.TopicTeam, events.TeamStatusChangedEvent{
		TeamType:  teamType,
		From:      from.String(),
		To:        status.String(),
		Timestamp: time.Now(),
	})
}
