package cache

import (
	"context"
	"time"

	"github.com/fitlab/go-fitness/resilience"
)

type guardedBackend struct {
	next    Backend
	breaker *resilience.CircuitBreaker
}

var _ Backend = (*guardedBackend)(nil)

// NewGuarded wraps next with a circuit breaker. Every call is bounded by
// breaker.RequestTimeout (WithQueryTimeout when the breaker leaves it zero);
// once the breaker opens calls fail fast with resilience.ErrCircuitBreakerOpen,
// which the facade treats like any other backend failure.
func NewGuarded(next Backend, breaker resilience.CircuitBreakerConfig, opts ...Option) Backend {
	cfg := applyOptions(opts)
	if breaker.RequestTimeout <= 0 {
		breaker.RequestTimeout = cfg.queryTimeout
	}
	if breaker.OnStateChange == nil {
		log := cfg.logger.WithPrefix("[cache]")
		breaker.OnStateChange = func(from, to resilience.CircuitBreakerState) {
			if to == resilience.StateOpen {
				log.Warn("backend circuit %s -> %s, cache calls will be skipped", from, to)
				return
			}
			log.Info("backend circuit %s -> %s", from, to)
		}
	}
	return &guardedBackend{
		next:    next,
		breaker: resilience.NewCircuitBreaker(breaker),
	}
}

func (g *guardedBackend) Get(ctx context.Context, key string) (found bool, data []byte, err error) {
	err = g.breaker.Execute(ctx, func(ctx context.Context) error {
		var e error
		found, data, e = g.next.Get(ctx, key)
		return e
	})
	return found, data, err
}

func (g *guardedBackend) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.next.Set(ctx, key, val, ttl)
	})
}

func (g *guardedBackend) Del(ctx context.Context, keys ...string) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.next.Del(ctx, keys...)
	})
}

func (g *guardedBackend) SAdd(ctx context.Context, key string, members ...string) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.next.SAdd(ctx, key, members...)
	})
}

func (g *guardedBackend) SMembers(ctx context.Context, key string) (members []string, err error) {
	err = g.breaker.Execute(ctx, func(ctx context.Context) error {
		var e error
		members, e = g.next.SMembers(ctx, key)
		return e
	})
	return members, err
}

func (g *guardedBackend) SRem(ctx context.Context, key string, members ...string) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.next.SRem(ctx, key, members...)
	})
}

func (g *guardedBackend) TTL(ctx context.Context, key string) (ttl time.Duration, err error) {
	err = g.breaker.Execute(ctx, func(ctx context.Context) error {
		var e error
		ttl, e = g.next.TTL(ctx, key)
		return e
	})
	return ttl, err
}

func (g *guardedBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.next.Expire(ctx, key, ttl)
	})
}

func (g *guardedBackend) ExpireAtLeast(ctx context.Context, key string, ttl time.Duration) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.next.ExpireAtLeast(ctx, key, ttl)
	})
}

func (g *guardedBackend) Close() error {
	return g.next.Close()
}

// BreakerState reports the breaker state of a guarded backend. The second
// return is false for any other backend.
func BreakerState(b Backend) (resilience.CircuitBreakerState, bool) {
	if g, ok := b.(*guardedBackend); ok {
		return g.breaker.State(), true
	}
	return resilience.StateClosed, false
}
