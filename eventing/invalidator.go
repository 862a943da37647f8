package eventing

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fitlab/go-fitness/logger"
	"golang.org/x/sync/errgroup"
)

// Route reacts to one event, typically by invalidating a cache namespace.
type Route func(ctx context.Context, ev Event) error

// Invalidator routes events to the cache invalidations registered for their
// kind. All routes of one event run concurrently.
type Invalidator struct {
	mu     sync.RWMutex
	routes map[Kind][]Route
	logger logger.Logger
}

// NewInvalidator returns an Invalidator without routes.
func NewInvalidator(logger logger.Logger) *Invalidator {
	return &Invalidator{
		routes: make(map[Kind][]Route),
		logger: logger.WithPrefix("[invalidator]"),
	}
}

// On registers r for events of kind.
func (i *Invalidator) On(kind Kind, r Route) *Invalidator {
	i.mu.Lock()
	i.routes[kind] = append(i.routes[kind], r)
	i.mu.Unlock()
	return i
}

// Kinds returns how many routes are registered per kind.
func (i *Invalidator) Kinds() map[Kind]int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[Kind]int, len(i.routes))
	for k, r := range i.routes {
		out[k] = len(r)
	}
	return out
}

// Handle runs every route registered for ev.Kind and returns the first
// error. Events without routes are ignored.
func (i *Invalidator) Handle(ctx context.Context, ev Event) error {
	i.mu.RLock()
	routes := append([]Route(nil), i.routes[ev.Kind]...)
	i.mu.RUnlock()
	if len(routes) == 0 {
		i.logger.Debug("no routes for %s event %s", ev.Kind, ev.ID)
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range routes {
		g.Go(func() error {
			return r(gctx, ev)
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrapf(err, "invalidate for %s event %s", ev.Kind, ev.ID)
	}
	return nil
}

// Run subscribes the invalidator to bus until the returned Subscriber is closed.
func (i *Invalidator) Run(ctx context.Context, bus Bus) (Subscriber, error) {
	return bus.Subscribe(ctx, i.Handle)
}
