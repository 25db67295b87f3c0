package nativesvc

import (
	"context"
	"sync"
	"time"
)

// Group runs one lifecycle operation across several services concurrently.
// Each Manager is used by at most one goroutine per call, so the
// single-threaded rule for a Manager still holds.
type Group struct {
	// Concurrency is the maximum number of concurrent operations
	Concurrency int
	// Timeout overrides the per-service operation timeout. Zero derives it
	// from each member's command and wait timeouts.
	Timeout time.Duration

	managers []*Manager
}

// GroupOption configures a Group
type GroupOption func(*Group)

// WithConcurrency sets the maximum number of concurrent operations
func WithConcurrency(n int) GroupOption {
	return func(g *Group) {
		g.Concurrency = n
	}
}

// WithGroupTimeout sets one operation timeout for every member
func WithGroupTimeout(d time.Duration) GroupOption {
	return func(g *Group) {
		g.Timeout = d
	}
}

// NewGroup creates a Group over managers with default settings
func NewGroup(managers []*Manager, opts ...GroupOption) *Group {
	g := &Group{
		Concurrency: 10,
		managers:    managers,
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.Concurrency < 1 {
		g.Concurrency = 1
	}

	return g
}

// Managers returns the managers in the group
func (g *Group) Managers() []*Manager {
	return g.managers
}

// timeoutFor returns the operation timeout for one member
func (g *Group) timeoutFor(m *Manager) time.Duration {
	if g.Timeout > 0 {
		return g.Timeout
	}
	return m.operationTimeout()
}

func (g *Group) execute(ctx context.Context, op func(context.Context, *Manager) error) error {
	if len(g.managers) == 0 {
		return nil
	}

	sem := make(chan struct{}, g.Concurrency)

	var wg sync.WaitGroup
	var mu sync.Mutex
	merr := &MultiError{}

	for _, m := range g.managers {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				merr.Add(&OpError{Op: OpUnknown, Service: m.Name(), Err: ctx.Err()})
				mu.Unlock()
				return
			}

			opCtx, cancel := context.WithTimeout(ctx, g.timeoutFor(m))
			defer cancel()

			if err := op(opCtx, m); err != nil {
				mu.Lock()
				merr.Add(err)
				mu.Unlock()
			}
		}(m)
	}

	wg.Wait()

	return merr.Err()
}

// Start starts every service in the group
func (g *Group) Start(ctx context.Context, strict bool) error {
	return g.execute(ctx, func(ctx context.Context, m *Manager) error {
		return m.Start(ctx, strict)
	})
}

// Stop stops every service in the group
func (g *Group) Stop(ctx context.Context, strict bool) error {
	return g.execute(ctx, func(ctx context.Context, m *Manager) error {
		return m.Stop(ctx, strict)
	})
}

// Enable enables every service in the group
func (g *Group) Enable(ctx context.Context, strict bool) error {
	return g.execute(ctx, func(ctx context.Context, m *Manager) error {
		return m.Enable(ctx, strict)
	})
}

// Disable disables every service in the group
func (g *Group) Disable(ctx context.Context, strict bool) error {
	return g.execute(ctx, func(ctx context.Context, m *Manager) error {
		return m.Disable(ctx, strict)
	})
}

// Uninstall uninstalls every service in the group
func (g *Group) Uninstall(ctx context.Context, strict bool) error {
	return g.execute(ctx, func(ctx context.Context, m *Manager) error {
		return m.Uninstall(ctx, strict)
	})
}

// Status reads the status of every service, keyed by service name. Services
// whose status could not be read are missing from the map and reported in
// the returned error.
func (g *Group) Status(ctx context.Context) (map[string]Status, error) {
	results := make(map[string]Status, len(g.managers))
	var mu sync.Mutex

	err := g.execute(ctx, func(ctx context.Context, m *Manager) error {
		st, err := m.Status(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		results[m.Name()] = st
		mu.Unlock()
		return nil
	})
	return results, err
}
