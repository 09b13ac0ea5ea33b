package events

import "time"

// Event is the base interface for everything published on the bus.
type Event interface {
	EventType() string
}

// Topic constants
const (
	TopicTeam = "team"
	TopicTask = "task"
	TopicRun  = "run"
)

// Event type constants
const (
	EventTypeTeamRegistered    = "team.registered"
	EventTypeTeamUnregistered  = "team.unregistered"
	EventTypeTeamStatusChanged = "team.status_changed"
	EventTypeTeamStartFailed   = "team.start_failed"
	EventTypeTeamStopFailed    = "team.stop_failed"
	EventTypeTaskDispatched    = "task.dispatched"
	EventTypeTaskCompleted     = "task.completed"
	EventTypeTaskFailed        = "task.failed"
	EventTypeRunStarted        = "run.started"
	EventTypeRunStopped        = "run.stopped"
)

// TeamRegisteredEvent is published when a team joins the registry.
type TeamRegisteredEvent struct {
	TeamType  string
	Timestamp time.Time
}

func (e TeamRegisteredEvent) EventType() string { return EventTypeTeamRegistered }

// TeamUnregisteredEvent is published when a team is removed.
type TeamUnregisteredEvent struct {
	TeamType  string
	Timestamp time.Time
}

func (e TeamUnregisteredEvent) EventType() string { return EventTypeTeamUnregistered }

// TeamStatusChangedEvent is published when a team's observed status
// actually differs from the last seen value.
type TeamStatusChangedEvent struct {
	TeamType  string
	From      string
	To        string
	Timestamp time.Time
}

func (e TeamStatusChangedEvent) EventType() string { return EventTypeTeamStatusChanged }

// TeamStartFailedEvent is published when an asynchronous team start fails.
// Start failures are reported as events, never thrown to the registrant.
type TeamStartFailedEvent struct {
	TeamType  string
	Err       error
	Timestamp time.Time
}

func (e TeamStartFailedEvent) EventType() string { return EventTypeTeamStartFailed }

// TeamStopFailedEvent is published when stopping a team fails during
// StopAll or Unregister.
type TeamStopFailedEvent struct {
	TeamType  string
	Err       error
	Timestamp time.Time
}

func (e TeamStopFailedEvent) EventType() string { return EventTypeTeamStopFailed }

// TaskDispatchedEvent is published when a task is routed to a team.
type TaskDispatchedEvent struct {
	ID        string
	TeamType  string
	Timestamp time.Time
}

func (e TaskDispatchedEvent) EventType() string { return EventTypeTaskDispatched }

// TaskCompletedEvent is published when a dispatched task succeeds.
type TaskCompletedEvent struct {
	ID        string
	TeamType  string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }

// TaskFailedEvent is published when a dispatched task fails.
type TaskFailedEvent struct {
	ID        string
	TeamType  string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }

// RunStartedEvent is published when the coordinator starts a run.
type RunStartedEvent struct {
	RunID     string
	Timestamp time.Time
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }

// RunStoppedEvent is published when the coordinator stops.
type RunStoppedEvent struct {
	RunID     string
	Timestamp time.Time
}

func (e RunStoppedEvent) EventType() string { return EventTypeRunStopped }
