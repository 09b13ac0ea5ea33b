package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentmux/agentmux/internal/events"
)

// DuplicateTeamError is returned by Register when a team of the same type
// is already present.
type DuplicateTeamError struct {
	TeamType string
}

func (e *DuplicateTeamError) Error() string {
	return fmt.Sprintf("team %q is already registered", e.TeamType)
}

// RankedTeam is one routing candidate with its computed score.
type RankedTeam struct {
	Team  Team
	Score float64
}

type entry struct {
	team       Team
	seq        int // registration order, tie-break for ranking
	lastStatus TeamStatus
	notifying  bool // a watcher goroutine owns this team's status channel
}

// Registry stores registered teams and provides scored lookup. It is an
// explicit instance, never process-wide state, so tests can construct
// isolated registries.
type Registry struct {
	mu      sync.RWMutex
	teams   map[string]*entry
	nextSeq int
	bus     *events.Bus
	log     zerolog.Logger
}

// New creates an empty registry publishing lifecycle events to bus.
// A nil bus disables event publishing.
func New(bus *events.Bus, log zerolog.Logger) *Registry {
	return &Registry{
		teams: make(map[string]*entry),
		bus:   bus,
		log:   log,
	}
}

// RegisterOption customizes a single Register call.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	autoStart bool
}

// WithAutoStart makes Register start the team asynchronously. A start
// failure is reported as a TeamStartFailedEvent, never as a Register
// error.
func WithAutoStart() RegisterOption {
	return func(o *registerOptions) { o.autoStart = true }
}

// Register stores a team under its type key. Returns *DuplicateTeamError
// if a team of that type already exists.
func (r *Registry) Register(team Team, opts ...RegisterOption) error {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	teamType := team.Type()

	r.mu.Lock()
	if _, exists := r.teams[teamType]; exists {
		r.mu.Unlock()
		return &DuplicateTeamError{TeamType: teamType}
	}
	r.teams[teamType] = &entry{
		team:       team,
		seq:        r.nextSeq,
		lastStatus: team.Status(),
	}
	r.nextSeq++
	r.mu.Unlock()

	r.log.Debug().Str("team", teamType).Bool("auto_start", o.autoStart).Msg("team registered")
	r.publish(events.TopicTeam, events.TeamRegisteredEvent{TeamType: teamType, Timestamp: time.Now()})

	if o.autoStart {
		go func() {
			if err := team.Start(context.Background()); err != nil {
				r.log.Error().Err(err).Str("team", teamType).Msg("auto-start failed")
				r.publish(events.TopicTeam, events.TeamStartFailedEvent{TeamType: teamType, Err: err, Timestamp: time.Now()})
			}
		}()
	}
	return nil
}

// Unregister stops the team if it is active, removes it, and reports
// whether a team was removed.
func (r *Registry) Unregister(ctx context.Context, teamType string) bool {
	r.mu.Lock()
	e, exists := r.teams[teamType]
	if exists {
		delete(r.teams, teamType)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}

	if e.team.Status().Available() || e.team.Status() == StatusPaused {
		if err := e.team.Stop(ctx); err != nil {
			r.log.Warn().Err(err).Str("team", teamType).Msg("stop on unregister failed")
			r.publish(events.TopicTeam, events.TeamStopFailedEvent{TeamType: teamType, Err: err, Timestamp: time.Now()})
		}
	}

	r.publish(events.TopicTeam, events.TeamUnregisteredEvent{TeamType: teamType, Timestamp: time.Now()})
	return true
}

// Get returns the registered team of the given type.
func (r *Registry) Get(teamType string) (Team, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.teams[teamType]
	if !ok {
		return nil, false
	}
	return e.team, true
}

// Teams returns a snapshot of all registered teams in registration order.
func (r *Registry) Teams() []Team {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Count returns the number of registered teams.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.teams)
}

// FindTeamsForTaskType returns every registered team declaring a
// capability for taskType, ranked by priority * (1 - load) descending.
// Ties keep registration order. The ranking is computed over a snapshot;
// routing decisions are advisory, not transactional.
func (r *Registry) FindTeamsForTaskType(taskType string) []RankedTeam {
	teams := r.Teams()

	var ranked []RankedTeam
	for _, team := range teams {
		c, ok := team.Capability(taskType)
		if !ok || !team.CanHandle(taskType) {
			continue
		}
		load := team.Load()
		if load < 0 {
			load = 0
		} else if load > 1 {
			load = 1
		}
		ranked = append(ranked, RankedTeam{
			Team:  team,
			Score: float64(c.Priority) * (1 - load),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// BestTeamForTaskType returns the top-ranked team that is currently able
// to receive work. Stopped, paused and errored teams are excluded here
// even when they score highest, as are fully loaded teams; both still
// appear in the ranked list.
func (r *Registry) BestTeamForTaskType(taskType string) (Team, bool) {
	for _, rt := range r.FindTeamsForTaskType(taskType) {
		if !rt.Team.Status().Available() {
			continue
		}
		if rt.Team.Load() >= 1 {
			continue
		}
		return rt.Team, true
	}
	return nil, false
}

// StartAll starts every registered team concurrently. A single team's
// failure is reported as an event and collected into the joined error; it
// never prevents the others from starting.
func (r *Registry) StartAll(ctx context.Context) error {
	return r.forAll(ctx, "start", func(ctx context.Context, t Team) error { return t.Start(ctx) })
}

// StopAll stops every registered team concurrently with the same
// isolation guarantees as StartAll.
func (r *Registry) StopAll(ctx context.Context) error {
	return r.forAll(ctx, "stop", func(ctx context.Context, t Team) error { return t.Stop(ctx) })
}

func (r *Registry) forAll(ctx context.Context, op string, fn func(context.Context, Team) error) error {
	teams := r.Teams()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for _, team := range teams {
		wg.Add(1)
		go func(team Team) {
			defer wg.Done()
			if err := fn(ctx, team); err != nil {
				r.log.Error().Err(err).Str("team", team.Type()).Str("op", op).Msg("team lifecycle operation failed")
				if op == "start" {
					r.publish(events.TopicTeam, events.TeamStartFailedEvent{TeamType: team.Type(), Err: err, Timestamp: time.Now()})
				} else {
					r.publish(events.TopicTeam, events.TeamStopFailedEvent{TeamType: team.Type(), Err: err, Timestamp: time.Now()})
				}
				mu.Lock()
				errs = append(errs, fmt.Errorf("team %q %s: %w", team.Type(), op, err))
				mu.Unlock()
			}
		}(team)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (r *Registry) snapshotLocked() []Team {
	ordered := make([]*entry, 0, len(r.teams))
	for _, e := range r.teams {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	teams := make([]Team, len(ordered))
	for i, e := range ordered {
		teams[i] = e.team
	}
	return teams
}

func (r *Registry) publish(topic string, event events.Event) {
	if r.bus != nil {
		r.bus.Publish(topic, event)
	}
}
