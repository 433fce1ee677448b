package hypervisor

import (
	"context"
	"io"
	"sync"
)

// Guard owns the single shared Adapter handle. Lookups share a read lock;
// every state-changing call takes the write lock, so mutations are serialized
// process-wide. A call that hangs in the adapter blocks all other mutations.
type Guard struct {
	mu sync.RWMutex
	a  Adapter
}

// NewGuard wraps a.
func NewGuard(a Adapter) *Guard {
	return &Guard{a: a}
}

var _ Adapter = (*Guard)(nil)

func (g *Guard) Lookup(ctx context.Context, id string) (Domain, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.a.Lookup(ctx, id)
}

func (g *Guard) Define(ctx context.Context, desc Descriptor) (Domain, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.a.Define(ctx, desc)
}

func (g *Guard) Start(ctx context.Context, dom Domain) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.a.Start(ctx, dom)
}

func (g *Guard) Shutdown(ctx context.Context, dom Domain) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.a.Shutdown(ctx, dom)
}

func (g *Guard) Destroy(ctx context.Context, dom Domain) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.a.Destroy(ctx, dom)
}

func (g *Guard) Undefine(ctx context.Context, dom Domain) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.a.Undefine(ctx, dom)
}

// Close releases the wrapped adapter if it holds a connection. It waits for
// in-flight calls to finish.
func (g *Guard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.a.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
