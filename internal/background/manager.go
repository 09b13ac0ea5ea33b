// Package background tracks fire-and-forget asynchronous work items and
// their lifecycle.
package background

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Status is the lifecycle state of a background handle. Transitions are
// one-directional: running -> (completed | failed | cancelled); a
// terminal status never changes again.
type Status int

const (
	StatusRunning Status = iota
	StatusCompleted
	StatusCancelled
	StatusFailed
)

// String returns a short label for logging.
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Func is a unit of background work. It receives a context that is
// cancelled when the handle is cancelled; honoring it is the work's own
// responsibility.
type Func func(ctx context.Context) (any, error)

// Outcome is a settled background result. Errors are captured here as
// values, never propagated out of AwaitAll.
type Outcome struct {
	Value any
	Err   error
}

// TaskPanicError captures a panic raised inside a background function.
type TaskPanicError struct {
	Value any
}

func (e *TaskPanicError) Error() string {
	return fmt.Sprintf("background task panicked: %v", e.Value)
}

// Handle tracks one background work item.
type Handle struct {
	id     string
	cancel context.CancelFunc

	mu      sync.Mutex
	status  Status
	outcome Outcome

	done chan struct{}
}

// ID returns the handle's identifier.
func (h *Handle) ID() string { return h.id }

// Status returns the handle's current lifecycle state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Done is closed when the underlying work has settled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome returns the settled outcome and whether the work has settled
// yet.
func (h *Handle) Outcome() (Outcome, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return h.outcome, true
	default:
		return Outcome{}, false
	}
}

// settle records the outcome exactly once. A handle cancelled before
// settling keeps its cancelled status; the outcome is recorded anyway so
// AwaitAll can report what the work eventually produced.
func (h *Handle) settle(value any, err error) {
	h.mu.Lock()
	h.outcome = Outcome{Value: value, Err: err}
	if h.status == StatusRunning {
		if err != nil {
			h.status = StatusFailed
		} else {
			h.status = StatusCompleted
		}
	}
	h.mu.Unlock()
	close(h.done)
}

// markCancelled flips a running handle to cancelled. Returns false if the
// handle already reached a terminal status.
func (h *Handle) markCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != StatusRunning {
		return false
	}
	h.status = StatusCancelled
	return true
}

// Manager tracks background handles.
type Manager struct {
	mu      sync.Mutex
	handles map[string]*Handle
	log     zerolog.Logger
}

// NewManager creates an empty manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		handles: make(map[string]*Handle),
		log:     log,
	}
}

// LaunchOption customizes a single Launch call.
type LaunchOption func(*launchOptions)

type launchOptions struct {
	id string
}

// WithID assigns a caller-chosen handle id instead of a generated one.
func WithID(id string) LaunchOption {
	return func(o *launchOptions) { o.id = id }
}

// Launch starts fn immediately in its own goroutine and returns a handle
// whose status is running. The handle's context is derived from ctx and
// additionally cancelled by Cancel; fn still runs to completion either
// way and whatever it returns is recorded.
func (m *Manager) Launch(ctx context.Context, fn Func, opts ...LaunchOption) *Handle {
	var o launchOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.New().String()[:8]
	}

	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		id:     o.id,
		cancel: cancel,
		status: StatusRunning,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.handles[h.id] = h
	m.mu.Unlock()

	m.log.Debug().Str("handle", h.id).Msg("background task launched")

	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				m.log.Error().Str("handle", h.id).Interface("panic", r).Msg("background task panicked")
				h.settle(nil, &TaskPanicError{Value: r})
			}
		}()
		value, err := fn(hctx)
		h.settle(value, err)
	}()

	return h
}

// Get returns the tracked handle with the given id.
func (m *Manager) Get(id string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	return h, ok
}

// Cancel flips the handle to cancelled if and only if it is still
// running. Cancellation is cooperative: the handle's context is
// cancelled, the bookkeeping status changes, and the underlying work is
// left to settle on its own.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	h, ok := m.handles[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	if !h.markCancelled() {
		return false
	}
	h.cancel()
	m.log.Debug().Str("handle", id).Msg("background task cancelled")
	return true
}

// CancelAll cancels every currently running handle and returns how many
// were flipped.
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	cancelled := 0
	for _, h := range handles {
		if h.markCancelled() {
			h.cancel()
			cancelled++
		}
	}
	return cancelled
}

// AwaitAll waits for every tracked handle's underlying work to settle and
// returns one outcome per handle. Task errors and panics are captured as
// values; the only error returned is ctx's, when the caller gives up
// waiting. Cancelled handles are included with whatever their work
// eventually produced.
func (m *Manager) AwaitAll(ctx context.Context) (map[string]Outcome, error) {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	outcomes := make(map[string]Outcome, len(handles))
	for _, h := range handles {
		select {
		case <-h.done:
			outcome, _ := h.Outcome()
			outcomes[h.id] = outcome
		case <-ctx.Done():
			return outcomes, ctx.Err()
		}
	}
	return outcomes, nil
}

// Clear cancels everything and discards all handles.
func (m *Manager) Clear() {
	m.CancelAll()

	m.mu.Lock()
	m.handles = make(map[string]*Handle)
	m.mu.Unlock()
}

// Len returns the number of tracked handles.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}
