package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/fitlab/go-fitness/logger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

// harness is a backend plus a way to move its notion of time forward.
type harness struct {
	name    string
	backend Backend
	advance func(time.Duration)
}

func newHarnesses(t *testing.T, opts ...Option) []harness {
	t.Helper()
	ctx := context.Background()

	memClock := newTestClock()
	mem := NewInMemory(ctx, append([]Option{withClock(memClock.Now), WithLogger(logger.NewTestLogger())}, opts...)...)
	t.Cleanup(func() { mem.Close() })

	sqlClock := newTestClock()
	lite, err := NewSQLite(ctx, ":memory:", append([]Option{withClock(sqlClock.Now), WithLogger(logger.NewTestLogger())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { lite.Close() })

	mr, client := newTestRedis(t)
	rds := NewRedis(client, append([]Option{WithLogger(logger.NewTestLogger())}, opts...)...)

	return []harness{
		{name: "inmemory", backend: mem, advance: memClock.Advance},
		{name: "sqlite", backend: lite, advance: sqlClock.Advance},
		{name: "redis", backend: rds, advance: mr.FastForward},
	}
}

var errBackendDown = errors.New("backend down")

// flakyBackend fails selected operations and records every call.
type flakyBackend struct {
	Backend
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
}

func newFlaky(next Backend) *flakyBackend {
	return &flakyBackend{Backend: next, fail: map[string]bool{}}
}

func (f *flakyBackend) failOn(ops ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range ops {
		f.fail[op] = true
	}
}

func (f *flakyBackend) heal() {
	f.mu.Lock()
	f.fail = map[string]bool{}
	f.mu.Unlock()
}

func (f *flakyBackend) called(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *flakyBackend) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if f.fail[op] || f.fail["*"] {
		return errBackendDown
	}
	return nil
}

func (f *flakyBackend) Get(ctx context.Context, key string) (bool, []byte, error) {
	if err := f.check("get"); err != nil {
		return false, nil, err
	}
	return f.Backend.Get(ctx, key)
}

func (f *flakyBackend) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := f.check("set"); err != nil {
		return err
	}
	return f.Backend.Set(ctx, key, val, ttl)
}

func (f *flakyBackend) Del(ctx context.Context, keys ...string) error {
	if err := f.check("del"); err != nil {
		return err
	}
	return f.Backend.Del(ctx, keys...)
}

func (f *flakyBackend) SAdd(ctx context.Context, key string, members ...string) error {
	if err := f.check("sadd"); err != nil {
		return err
	}
	return f.Backend.SAdd(ctx, key, members...)
}

func (f *flakyBackend) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := f.check("smembers"); err != nil {
		return nil, err
	}
	return f.Backend.SMembers(ctx, key)
}

func (f *flakyBackend) SRem(ctx context.Context, key string, members ...string) error {
	if err := f.check("srem"); err != nil {
		return err
	}
	return f.Backend.SRem(ctx, key, members...)
}

func (f *flakyBackend) ExpireAtLeast(ctx context.Context, key string, ttl time.Duration) error {
	if err := f.check("expireatleast"); err != nil {
		return err
	}
	return f.Backend.ExpireAtLeast(ctx, key, ttl)
}
