package cache

import (
	"context"
	"sync"
	"time"
)

// item is either a value or a set; exactly one of data and set is non-nil.
type item struct {
	data    []byte
	set     map[string]struct{}
	expires time.Time // zero means no expiry
}

func (i *item) expired(now time.Time) bool {
	return !i.expires.IsZero() && !i.expires.After(now)
}

type inMemoryBackend struct {
	ctx       context.Context
	cancel    context.CancelFunc
	items     map[string]*item
	mutex     sync.Mutex
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var _ Backend = (*inMemoryBackend)(nil)

// NewInMemory returns an in-process Backend. Expired keys are removed lazily
// on access and by a background sweep every WithExpiryCheck interval.
// Values are copied on the way in and out.
func NewInMemory(parent context.Context, opts ...Option) Backend {
	cfg := applyOptions(opts)
	if cfg.expiryCheck <= 0 {
		cfg.expiryCheck = time.Minute
	}
	ctx, cancel := context.WithCancel(parent)
	c := &inMemoryBackend{
		ctx:    ctx,
		cancel: cancel,
		items:  make(map[string]*item),
		cfg:    cfg,
	}
	c.waitGroup.Add(1)
	go c.run()
	return c
}

// lookup returns the live item at key, dropping it if expired. Caller holds the lock.
func (c *inMemoryBackend) lookup(key string) *item {
	it, ok := c.items[key]
	if !ok {
		return nil
	}
	if it.expired(c.cfg.now()) {
		delete(c.items, key)
		return nil
	}
	return it
}

func (c *inMemoryBackend) Get(_ context.Context, key string) (bool, []byte, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	it := c.lookup(key)
	if it == nil {
		return false, nil, nil
	}
	if it.set != nil {
		return false, nil, ErrWrongType
	}
	out := make([]byte, len(it.data))
	copy(out, it.data)
	return true, out, nil
}

func (c *inMemoryBackend) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	data := make([]byte, len(val))
	copy(data, val)
	it := &item{data: data}
	if ttl > 0 {
		it.expires = c.cfg.now().Add(ttl)
	}
	c.mutex.Lock()
	c.items[key] = it
	c.mutex.Unlock()
	return nil
}

func (c *inMemoryBackend) Del(_ context.Context, keys ...string) error {
	c.mutex.Lock()
	for _, key := range keys {
		delete(c.items, key)
	}
	c.mutex.Unlock()
	return nil
}

func (c *inMemoryBackend) SAdd(_ context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	it := c.lookup(key)
	if it == nil {
		it = &item{set: make(map[string]struct{}, len(members))}
		c.items[key] = it
	}
	if it.set == nil {
		return ErrWrongType
	}
	for _, m := range members {
		it.set[m] = struct{}{}
	}
	return nil
}

func (c *inMemoryBackend) SMembers(_ context.Context, key string) ([]string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	it := c.lookup(key)
	if it == nil {
		return []string{}, nil
	}
	if it.set == nil {
		return nil, ErrWrongType
	}
	out := make([]string, 0, len(it.set))
	for m := range it.set {
		out = append(out, m)
	}
	return out, nil
}

func (c *inMemoryBackend) SRem(_ context.Context, key string, members ...string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	it := c.lookup(key)
	if it == nil {
		return nil
	}
	if it.set == nil {
		return ErrWrongType
	}
	for _, m := range members {
		delete(it.set, m)
	}
	if len(it.set) == 0 {
		delete(c.items, key)
	}
	return nil
}

func (c *inMemoryBackend) TTL(_ context.Context, key string) (time.Duration, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	it := c.lookup(key)
	if it == nil || it.expires.IsZero() {
		return -1, nil
	}
	return it.expires.Sub(c.cfg.now()), nil
}

func (c *inMemoryBackend) Expire(_ context.Context, key string, ttl time.Duration) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if it := c.lookup(key); it != nil {
		if ttl <= 0 {
			delete(c.items, key)
			return nil
		}
		it.expires = c.cfg.now().Add(ttl)
	}
	return nil
}

func (c *inMemoryBackend) ExpireAtLeast(_ context.Context, key string, ttl time.Duration) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	it := c.lookup(key)
	if it == nil || ttl <= 0 {
		return nil
	}
	want := c.cfg.now().Add(ttl)
	if it.expires.IsZero() || it.expires.Before(want) {
		it.expires = want
	}
	return nil
}

func (c *inMemoryBackend) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
	})
	return nil
}

func (c *inMemoryBackend) run() {
	defer c.waitGroup.Done()
	ticker := time.NewTicker(c.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *inMemoryBackend) sweep() {
	now := c.cfg.now()
	c.mutex.Lock()
	for key, it := range c.items {
		if it.expired(now) {
			delete(c.items, key)
		}
	}
	c.mutex.Unlock()
}
