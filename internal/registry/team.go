// Package registry holds registered worker teams and routes tasks to the
// best available one based on declared capabilities and live load.
package registry

import "context"

// TeamStatus represents the lifecycle state of a team. Status is mutated
// only by the team itself; the registry merely observes it.
type TeamStatus int

const (
	StatusStopped TeamStatus = iota
	StatusIdle
	StatusProcessing
	StatusPaused
	StatusError
)

// String returns a short label for logging and events.
func (s TeamStatus) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusIdle:
		return "idle"
	case StatusProcessing:
		return "processing"
	case StatusPaused:
		return "paused"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// Available reports whether a team in this status may receive work.
func (s TeamStatus) Available() bool {
	return s == StatusIdle || s == StatusProcessing
}

// Capability is a (task type, priority weight) pair declared by a team.
// A team may declare several.
type Capability struct {
	TaskType string
	Priority int
}

// TeamMetrics is a point-in-time counters snapshot exposed by a team.
type TeamMetrics struct {
	TasksProcessed int64
	Errors         int64
}

// Team is the consumed worker contract. The registry calls only these
// methods and never reaches into a team's internals; routing relies on
// the declared capability records rather than the concrete type.
type Team interface {
	// Type returns the team-type key, unique within a registry.
	Type() string

	// Status returns the team's current lifecycle state.
	Status() TeamStatus

	// CanHandle reports whether the team declares a capability for the
	// task type.
	CanHandle(taskType string) bool

	// Capability returns the declared capability for the task type.
	Capability(taskType string) (Capability, bool)

	// Load returns the team's current load in [0, 1].
	Load() float64

	// Start and Stop transition the team's lifecycle.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Metrics returns a counters snapshot.
	Metrics() TeamMetrics
}

// StatusNotifier is an optional capability: teams that can push status
// changes expose a channel and are never polled by the watcher. Teams
// without it fall back to timer-diff observation.
type StatusNotifier interface {
	StatusUpdates() <-chan TeamStatus
}

// ProviderKeyed is an optional capability: teams sharing a rate-limited
// backend expose its provider key so dispatch can be bracketed by the
// slot pool. Teams without it are not throttled.
type ProviderKeyed interface {
	ProviderKey() string
}
