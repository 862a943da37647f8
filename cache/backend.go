package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fitlab/go-fitness/logger"
)

// Backend is the minimum key/value capability the indexed cache needs from a
// store: plain values with a TTL and named sets of members with their own TTL.
//
// A miss is reported as found=false with a nil error. Deleting or removing
// something that does not exist is not an error. An empty set does not exist.
type Backend interface {
	// Get returns the value stored at key.
	Get(ctx context.Context, key string) (bool, []byte, error)
	// Set stores val at key, replacing any previous value, expiring after ttl.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// Del removes keys of any kind (values or sets).
	Del(ctx context.Context, keys ...string) error
	// SAdd adds members to the set at key, creating it without a TTL if needed.
	SAdd(ctx context.Context, key string, members ...string) error
	// SMembers returns the members of the set at key. A missing set is empty.
	SMembers(ctx context.Context, key string) ([]string, error)
	// SRem removes members from the set at key, deleting the set once empty.
	SRem(ctx context.Context, key string, members ...string) error
	// TTL returns the remaining lifetime of key. A negative value means the
	// key does not exist or never expires.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Expire sets the lifetime of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// ExpireAtLeast sets the lifetime of an existing key to ttl unless it
	// already outlives ttl. Keys without a lifetime receive ttl.
	ExpireAtLeast(ctx context.Context, key string, ttl time.Duration) error
	// Close releases resources owned by the backend.
	Close() error
}

// ErrWrongType is returned when a value operation is used on a set or the reverse.
var ErrWrongType = errors.New("cache: operation against a key holding the wrong kind of value")

// DefaultExpires is the TTL used when neither the call site nor the TTL table
// names one.
const DefaultExpires = 5 * time.Minute

// DefaultQueryTimeout is the per-operation timeout for backends that perform
// I/O (SQLite, Redis) and for the guarded backend.
const DefaultQueryTimeout = 5 * time.Second

// DefaultDeleteBatch bounds the number of keys sent in one delete during
// namespace invalidation.
const DefaultDeleteBatch = 500

// config holds the resolved configuration for backends and the facade.
type config struct {
	defaultExpires time.Duration
	queryTimeout   time.Duration
	expiryCheck    time.Duration
	prefix         string
	deleteBatch    int
	logger         logger.Logger
	now            func() time.Time
}

// Option configures a Backend or the Indexed facade.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultExpires: DefaultExpires,
		queryTimeout:   DefaultQueryTimeout,
		expiryCheck:    time.Minute,
		deleteBatch:    DefaultDeleteBatch,
		now:            time.Now,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger()
	}
	return cfg
}

// WithExpires sets the TTL used by the facade when neither the call site nor
// the TTL table provides one. Defaults to DefaultExpires (5 minutes).
func WithExpires(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.defaultExpires = d
		}
	}
}

// WithQueryTimeout sets the per-operation timeout. Defaults to DefaultQueryTimeout.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithExpiryCheck sets the interval for background expired entry cleanup.
// Applies to InMemory and SQLite backends. Defaults to 1 minute.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *config) { c.expiryCheck = d }
}

// WithPrefix sets the key prefix for namespacing every key a backend writes.
// Applies to the Redis and SQLite backends.
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithDeleteBatch sets how many keys a namespace invalidation deletes per round trip.
func WithDeleteBatch(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.deleteBatch = n
		}
	}
}

// WithLogger sets the logger used to report degraded backend calls.
func WithLogger(l logger.Logger) Option {
	return func(c *config) { c.logger = l }
}

// withClock replaces time.Now; used by tests of the in-memory backend.
func withClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

func prefixed(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}

func queryCtx(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
