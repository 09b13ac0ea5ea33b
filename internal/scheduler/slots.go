package scheduler

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// SlotPool enforces a hard per-provider cap on simultaneous use,
// independent of any batch-level concurrency limit. A provider key is an
// opaque accounting bucket, typically a rate-limited backend shared by
// several teams.
type SlotPool struct {
	mu        sync.Mutex
	providers map[string]*providerSlots
}

type providerSlots struct {
	sem   *semaphore.Weighted
	total int
	used  int
}

// ProviderSlots is the usage snapshot for a single provider.
type ProviderSlots struct {
	TotalSlots int
	UsedSlots  int
}

// PoolStats is an aggregate usage snapshot across all providers.
type PoolStats struct {
	TotalSlots int
	UsedSlots  int
	Providers  map[string]ProviderSlots
}

// NewSlotPool creates a pool with the given per-provider capacities.
// A non-positive capacity is a fatal misconfiguration and is rejected
// immediately rather than producing a pool that can never grant.
func NewSlotPool(limits map[string]int) (*SlotPool, error) {
	providers := make(map[string]*providerSlots, len(limits))
	for provider, total := range limits {
		if total <= 0 {
			return nil, fmt.Errorf("provider %q has invalid slot capacity %d", provider, total)
		}
		providers[provider] = &providerSlots{
			sem:   semaphore.NewWeighted(int64(total)),
			total: total,
		}
	}
	return &SlotPool{providers: providers}, nil
}

// Acquire blocks until a slot for the provider becomes free, or until ctx
// is cancelled. Acquiring for an undeclared provider is a caller bug and
// fails immediately.
func (p *SlotPool) Acquire(ctx context.Context, provider string) error {
	p.mu.Lock()
	ps, ok := p.providers[provider]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("provider %q not declared in slot pool", provider)
	}

	if err := ps.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	p.mu.Lock()
	ps.used++
	p.mu.Unlock()
	return nil
}

// Release returns exactly one slot for the provider. Must be called once
// per successful Acquire; unbalanced calls saturate at zero rather than
// corrupting the count.
func (p *SlotPool) Release(provider string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps, ok := p.providers[provider]
	if !ok || ps.used == 0 {
		return
	}
	ps.used--
	ps.sem.Release(1)
}

// Limited reports whether the provider has a declared slot cap.
func (p *SlotPool) Limited(provider string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.providers[provider]
	return ok
}

// Stats returns a consistent usage snapshot.
func (p *SlotPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{Providers: make(map[string]ProviderSlots, len(p.providers))}
	for provider, ps := range p.providers {
		stats.TotalSlots += ps.total
		stats.UsedSlots += ps.used
		stats.Providers[provider] = ProviderSlots{TotalSlots: ps.total, UsedSlots: ps.used}
	}
	return stats
}
