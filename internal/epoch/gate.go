// Package epoch provides a view gate shared by the registry and the delivery
// record book so that a reader can observe both at one logical instant.
package epoch

import (
	"context"
	"sync"
	"sync/atomic"
)

// Gate inverts the usual RWMutex roles: mutators share it, a consistent
// multi-store reader holds it exclusively. Each store still guards its own
// data with its own lock.
type Gate struct {
	mu      sync.RWMutex
	version atomic.Uint64
}

func New() *Gate { return &Gate{} }

type heldKey struct{}

// Mutate runs fn as one logical change and bumps the version.
func (g *Gate) Mutate(fn func()) {
	g.MutateContext(context.Background(), func(context.Context) { fn() })
}

// MutateContext is Mutate for changes that span stores. fn receives a context
// marking the gate as held; a MutateContext made with that context joins the
// outer change instead of taking the gate again, so a View never sees half
// of it.
func (g *Gate) MutateContext(ctx context.Context, fn func(ctx context.Context)) {
	if g == nil {
		fn(ctx)
		return
	}
	if held, _ := ctx.Value(heldKey{}).(*Gate); held == g {
		fn(ctx)
		return
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn(context.WithValue(ctx, heldKey{}, g))
	g.version.Add(1)
}

// View runs fn with all mutators excluded and returns the version it observed.
func (g *Gate) View(fn func()) uint64 {
	if g == nil {
		fn()
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	fn()
	return g.version.Load()
}

func (g *Gate) Version() uint64 {
	if g == nil {
		return 0
	}
	return g.version.Load()
}
