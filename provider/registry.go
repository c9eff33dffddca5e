package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry maps provider slugs to adapters. Populated at startup and
// read-mostly thereafter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	degraded map[string]bool
	logger   *slog.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		adapters: make(map[string]Adapter),
		degraded: make(map[string]bool),
		logger:   logger,
	}
}

// Register adds an adapter and runs its initialization. Initialization
// failure keeps the adapter registered but flagged degraded so other
// providers keep working.
func (r *Registry) Register(ctx context.Context, a Adapter) error {
	if a == nil {
		return fmt.Errorf("provider: nil adapter")
	}
	slug := a.Slug()
	if slug == "" {
		return fmt.Errorf("provider: adapter has empty slug")
	}
	r.mu.Lock()
	if _, exists := r.adapters[slug]; exists {
		r.mu.Unlock()
		return fmt.Errorf("provider: duplicate adapter slug %q", slug)
	}
	r.adapters[slug] = a
	r.mu.Unlock()

	if err := a.Initialize(ctx); err != nil {
		r.mu.Lock()
		r.degraded[slug] = true
		r.mu.Unlock()
		r.logger.Warn("adapter initialization failed, continuing degraded",
			"provider", slug, "error", err)
	}
	return nil
}

// Get resolves an adapter by slug, erroring on miss.
func (r *Registry) Get(slug string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[slug]
	if !ok {
		return nil, fmt.Errorf("provider: no adapter registered for slug %q", slug)
	}
	return a, nil
}

// GetOrNone resolves an adapter by slug, returning nil on miss.
func (r *Registry) GetOrNone(slug string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[slug]
}

// Degraded reports whether the adapter failed initialization.
func (r *Registry) Degraded(slug string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded[slug]
}

// All returns every registered adapter in slug order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slugs := make([]string, 0, len(r.adapters))
	for slug := range r.adapters {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	out := make([]Adapter, 0, len(slugs))
	for _, slug := range slugs {
		out = append(out, r.adapters[slug])
	}
	return out
}

// Available filters registered adapters by a bounded liveness probe. Probes
// run sequentially per adapter; no ordering guarantee across calls.
func (r *Registry) Available(ctx context.Context) []Adapter {
	out := make([]Adapter, 0)
	for _, a := range r.All() {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		ok := a.IsAvailable(probeCtx)
		cancel()
		if ok {
			out = append(out, a)
		}
	}
	return out
}
