package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/scheduler"
)

// RetryConfig configures exponential backoff around team dispatch.
// The zero value disables retries entirely (single attempt, no breaker).
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func (c RetryConfig) enabled() bool {
	return c != RetryConfig{}
}

// BreakerRegistry manages per-team-type circuit breakers so a flapping
// team stops receiving dispatches until it recovers.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	log      zerolog.Logger
}

// NewBreakerRegistry creates an empty breaker registry.
func NewBreakerRegistry(log zerolog.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		log:      log,
	}
}

// Get returns the circuit breaker for the given team type, creating it on
// first use.
func (r *BreakerRegistry) Get(teamType string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[teamType]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        teamType,
		MaxRequests: 3,                // Probe requests allowed half-open
		Interval:    0,                // Never clear counts automatically
		Timeout:     30 * time.Second, // Open duration before probing
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.Warn().Str("team", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation is not a team failure.
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[teamType] = cb
	return cb
}

// dispatchWithRetry runs dispatch through the team's circuit breaker with
// exponential backoff. Open-breaker errors and context cancellation stop
// the retry loop immediately.
func dispatchWithRetry(ctx context.Context, node scheduler.TaskNode, team registry.Team, dispatch DispatchFunc, cb *gobreaker.CircuitBreaker, cfg RetryConfig) (any, error) {
	var output any

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return dispatch(ctx, node, team)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		output = result
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.MaxElapsedTime = cfg.MaxElapsedTime
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = cfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return output, err
}
