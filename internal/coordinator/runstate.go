package coordinator

import (
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/scheduler"
)

// RunStatus is the coordinator's overall state.
type RunStatus int

const (
	RunIdle RunStatus = iota
	RunRunning
	RunStopped
)

// String returns a short label for logging.
func (s RunStatus) String() string {
	switch s {
	case RunIdle:
		return "idle"
	case RunRunning:
		return "running"
	case RunStopped:
		return "stopped"
	}
	return "unknown"
}

// RunStats summarizes everything recorded so far.
type RunStats struct {
	Executed  int // Tasks that actually ran (succeeded or failed)
	Succeeded int
	Failed    int // Includes timeouts
	Skipped   int
	Uptime    time.Duration
}

// RunState accumulates overall status, per-task outcomes and summary
// statistics for one coordinator instance.
type RunState struct {
	mu        sync.RWMutex
	status    RunStatus
	startedAt time.Time
	results   map[string]scheduler.Result
}

// NewRunState creates an idle run state.
func NewRunState() *RunState {
	return &RunState{results: make(map[string]scheduler.Result)}
}

// Start marks the run as running and stamps the uptime origin.
func (s *RunState) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = RunRunning
	s.startedAt = time.Now()
}

// Stop marks the run as stopped.
func (s *RunState) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = RunStopped
}

// Status returns the current overall status.
func (s *RunState) Status() RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// RecordResult stores or overwrites the outcome for a task id.
func (s *RunState) RecordResult(res scheduler.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[res.TaskID] = res
}

// Result returns the recorded outcome for a task id.
func (s *RunState) Result(taskID string) (scheduler.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[taskID]
	return res, ok
}

// Results returns a copy of all recorded outcomes keyed by task id.
func (s *RunState) Results() map[string]scheduler.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]scheduler.Result, len(s.results))
	for id, res := range s.results {
		out[id] = res
	}
	return out
}

// Stats returns cumulative counts and uptime.
func (s *RunState) Stats() RunStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := RunStats{}
	if !s.startedAt.IsZero() {
		stats.Uptime = time.Since(s.startedAt)
	}
	for _, res := range s.results {
		switch {
		case res.Status == scheduler.StatusSucceeded:
			stats.Succeeded++
			stats.Executed++
		case res.Status.Failed():
			stats.Failed++
			stats.Executed++
		case res.Status == scheduler.StatusSkipped:
			stats.Skipped++
		}
	}
	return stats
}
