package cache

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// expireAtLeast raises the TTL of KEYS[1] to ARGV[1] milliseconds unless the
// key already lives longer. A key without a TTL (PTTL -1) receives one; a
// missing key (PTTL -2) is left alone since PEXPIRE is a no-op on it.
var expireAtLeast = redis.NewScript(`
local ttl = redis.call('PTTL', KEYS[1])
local want = tonumber(ARGV[1])
if ttl < want then
	return redis.call('PEXPIRE', KEYS[1], want)
end
return 0
`)

type redisBackend struct {
	client redis.UniversalClient
	cfg    config
}

var _ Backend = (*redisBackend)(nil)

// NewRedis returns a Backend on top of Redis.
// The caller owns the client lifecycle; Close is a no-op on the client.
func NewRedis(client redis.UniversalClient, opts ...Option) Backend {
	return &redisBackend{
		client: client,
		cfg:    applyOptions(opts),
	}
}

func (c *redisBackend) key(k string) string {
	return prefixed(c.cfg.prefix, k)
}

func (c *redisBackend) keys(ks []string) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = c.key(k)
	}
	return out
}

func wrongType(err error) error {
	if err != nil && strings.HasPrefix(err.Error(), "WRONGTYPE") {
		return errors.WithSecondaryError(ErrWrongType, err)
	}
	return err
}

func (c *redisBackend) Get(ctx context.Context, key string) (bool, []byte, error) {
	qctx, cancel := queryCtx(ctx, c.cfg.queryTimeout)
	defer cancel()
	data, err := c.client.Get(qctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, wrongType(err)
	}
	return true, data, nil
}

func (c *redisBackend) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	qctx, cancel := queryCtx(ctx, c.cfg.queryTimeout)
	defer cancel()
	return c.client.Set(qctx, c.key(key), val, ttl).Err()
}

func (c *redisBackend) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	qctx, cancel := queryCtx(ctx, c.cfg.queryTimeout)
	defer cancel()
	return c.client.Del(qctx, c.keys(keys)...).Err()
}

func (c *redisBackend) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	qctx, cancel := queryCtx(ctx, c.cfg.queryTimeout)
	defer cancel()
	return wrongType(c.client.SAdd(qctx, c.key(key), toAny(members)...).Err())
}

func (c *redisBackend) SMembers(ctx context.Context, key string) ([]string, error) {
	qctx, cancel := queryCtx(ctx, c.cfg.queryTimeout)
	defer cancel()
	members, err := c.client.SMembers(qctx, c.key(key)).Result()
	if err != nil {
		return nil, wrongType(err)
	}
	return members, nil
}

func (c *redisBackend) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	qctx, cancel := queryCtx(ctx, c.cfg.queryTimeout)
	defer cancel()
	return wrongType(c.client.SRem(qctx, c.key(key), toAny(members)...).Err())
}

func (c *redisBackend) TTL(ctx context.Context, key string) (time.Duration, error) {
	qctx, cancel := queryCtx(ctx, c.cfg.queryTimeout)
	defer cancel()
	ms, err := c.client.Do(qctx, "PTTL", c.key(key)).Int64()
	if err != nil {
		return 0, err
	}
	if ms < 0 {
		return -1, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (c *redisBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	qctx, cancel := queryCtx(ctx, c.cfg.queryTimeout)
	defer cancel()
	return c.client.PExpire(qctx, c.key(key), ttl).Err()
}

func (c *redisBackend) ExpireAtLeast(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	qctx, cancel := queryCtx(ctx, c.cfg.queryTimeout)
	defer cancel()
	// PEXPIRE 0 deletes the key; go-redis rounds sub-millisecond TTLs up the same way.
	ms := max(ttl.Milliseconds(), 1)
	return expireAtLeast.Run(qctx, c.client, []string{c.key(key)}, ms).Err()
}

// Close is a no-op; the caller owns the redis client lifecycle.
func (c *redisBackend) Close() error {
	return nil
}

func toAny(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
