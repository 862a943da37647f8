package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fitlab/go-fitness/logger"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/fitlab/go-fitness/cache")

// ErrInvalidArgument marks calls made with a missing cache name, key or index key.
var ErrInvalidArgument = errors.New("cache: invalid argument")

// Indexed is the cache facade. Every entry written through it is registered
// in the index set of its index key so a whole namespace can be invalidated
// by visiting only its members.
//
// Backend failures never reach the caller: reads degrade to misses and
// writes or invalidations degrade to logged no-ops. Only invalid arguments
// and values that cannot be encoded are returned as errors.
type Indexed struct {
	backend Backend
	ttls    TTLTable
	cfg     config
	log     logger.Logger
}

// NewIndexed returns a facade over backend using ttls for per-region defaults.
func NewIndexed(backend Backend, ttls TTLTable, opts ...Option) *Indexed {
	cfg := applyOptions(opts)
	if ttls.fallback <= 0 {
		ttls.fallback = cfg.defaultExpires
	}
	return &Indexed{
		backend: backend,
		ttls:    ttls,
		cfg:     cfg,
		log:     cfg.logger.WithPrefix("[cache]"),
	}
}

// Backend returns the underlying backend.
func (c *Indexed) Backend() Backend {
	return c.backend
}

// TTL returns the default TTL for name.
func (c *Indexed) TTL(name Name) time.Duration {
	return c.ttls.Lookup(name)
}

// TTLTable returns the table the facade was built with.
func (c *Indexed) TTLTable() TTLTable {
	return c.ttls
}

func entryKey(name Name, key string) string {
	return string(name) + ":e:" + key
}

func indexSetKey(name Name, indexKey string) string {
	return string(name) + ":i:" + indexKey
}

func validate(name Name, pairs ...string) error {
	if name == "" {
		return errors.Wrap(ErrInvalidArgument, "empty cache name")
	}
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return errors.Wrapf(ErrInvalidArgument, "empty %s", pairs[i])
		}
	}
	return nil
}

func (c *Indexed) start(ctx context.Context, op string, name Name, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("cache.name", string(name)))
	return tracer.Start(ctx, "cache."+op, trace.WithAttributes(attrs...))
}

// degraded reports a swallowed backend failure.
func (c *Indexed) degraded(ctx context.Context, span trace.Span, meta map[string]interface{}, msg string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	log := c.log.WithContext(ctx).With(meta)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		log.Debug("%s: %v", msg, err)
		return
	}
	log.Warn("%s: %v", msg, err)
}

// Get returns the encoded value stored under key. A miss, an expired entry
// and an unreachable backend all report found=false.
func (c *Indexed) Get(ctx context.Context, name Name, key string) (bool, []byte, error) {
	if err := validate(name, "key", key); err != nil {
		return false, nil, err
	}
	ctx, span := c.start(ctx, "get", name)
	defer span.End()
	found, data, err := c.backend.Get(ctx, entryKey(name, key))
	if err != nil {
		c.degraded(ctx, span, map[string]interface{}{"cache": name, "key": key}, "cache get failed, treating as miss", err)
		return false, nil, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", found))
	return found, data, nil
}

// Put encodes value, stores it under key and registers key in the index set
// of indexKey. The entry is written first. The index set's TTL is raised to
// at least the entry's TTL and never lowered. ttl <= 0 selects the region's
// default TTL.
//
// If the entry is written but the index cannot be updated the entry is
// deleted again, so no entry outlives its namespace's invalidation.
func (c *Indexed) Put(ctx context.Context, name Name, indexKey, key string, value any, ttl time.Duration) error {
	if err := validate(name, "index key", indexKey, "key", key); err != nil {
		return err
	}
	data, err := msgpack.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "cache: encode value for %s/%s", name, key)
	}
	if ttl <= 0 {
		ttl = c.ttls.Lookup(name)
	}
	ctx, span := c.start(ctx, "put", name, attribute.String("cache.index", indexKey), attribute.Int64("cache.ttl_ms", ttl.Milliseconds()))
	defer span.End()

	// once started, finish the sequence even if the caller goes away
	ctx = context.WithoutCancel(ctx)
	meta := map[string]interface{}{"cache": name, "index": indexKey, "key": key}
	ek, ik := entryKey(name, key), indexSetKey(name, indexKey)

	if err := c.backend.Set(ctx, ek, data, ttl); err != nil {
		c.degraded(ctx, span, meta, "cache put failed, value not cached", err)
		return nil
	}
	if err := c.backend.SAdd(ctx, ik, key); err != nil {
		c.degraded(ctx, span, meta, "cache index update failed, dropping entry", err)
		if err := c.backend.Del(ctx, ek); err != nil {
			c.log.WithContext(ctx).With(meta).Error("cache entry left without index membership until it expires: %v", err)
		}
		return nil
	}
	if err := c.backend.ExpireAtLeast(ctx, ik, ttl); err != nil {
		// the set may now have no TTL or a shorter one; an early expiry only
		// turns a later invalidation into a partial no-op for this key
		c.degraded(ctx, span, meta, "cache index ttl update failed", err)
	}
	return nil
}

// Refresh replaces a value that is known to exist. It behaves exactly like Put.
func (c *Indexed) Refresh(ctx context.Context, name Name, indexKey, key string, value any, ttl time.Duration) error {
	return c.Put(ctx, name, indexKey, key, value, ttl)
}

// InvalidateNamespace deletes every entry registered under indexKey and
// removes those members from the index set, which disappears once empty.
// Each batch leaves the index before its entries are deleted, so an entry
// written concurrently under the same key is either deleted or registered
// again by its own Put. If the delete fails the batch is put back in the
// index so a retry still finds it.
// An absent index and members whose entries already expired are no-ops.
func (c *Indexed) InvalidateNamespace(ctx context.Context, name Name, indexKey string) error {
	if err := validate(name, "index key", indexKey); err != nil {
		return err
	}
	ctx, span := c.start(ctx, "invalidate_namespace", name, attribute.String("cache.index", indexKey))
	defer span.End()
	meta := map[string]interface{}{"cache": name, "index": indexKey}
	ik := indexSetKey(name, indexKey)

	members, err := c.backend.SMembers(ctx, ik)
	if err != nil {
		c.degraded(ctx, span, meta, "cache invalidate failed reading index", err)
		return nil
	}
	if len(members) == 0 {
		return nil
	}
	span.SetAttributes(attribute.Int("cache.members", len(members)))
	indexTTL, err := c.backend.TTL(ctx, ik)
	if err != nil {
		indexTTL = -1
	}
	for start := 0; start < len(members); start += c.cfg.deleteBatch {
		end := min(start+c.cfg.deleteBatch, len(members))
		batch := members[start:end]
		keys := make([]string, len(batch))
		for i, m := range batch {
			keys[i] = entryKey(name, m)
		}
		if err := c.backend.SRem(ctx, ik, batch...); err != nil {
			c.degraded(ctx, span, meta, "cache invalidate failed trimming index", err)
			return nil
		}
		if err := c.backend.Del(ctx, keys...); err != nil {
			c.degraded(ctx, span, meta, "cache invalidate failed deleting entries", err)
			c.restore(ctx, meta, ik, batch, indexTTL)
			return nil
		}
	}
	if c.log.IsLevelEnabled(logger.LevelDebug) {
		c.log.WithContext(ctx).With(meta).Debug("invalidated %d entries", len(members))
	}
	return nil
}

// restore puts members back into the index set after their entries could not
// be deleted. A set recreated by SAdd has no TTL, so the one read before the
// invalidation started is applied again.
func (c *Indexed) restore(ctx context.Context, meta map[string]interface{}, ik string, members []string, ttl time.Duration) {
	if err := c.backend.SAdd(ctx, ik, members...); err != nil {
		c.log.WithContext(ctx).With(meta).Warn("cache invalidate could not restore %d index members: %v", len(members), err)
		return
	}
	if ttl > 0 {
		if err := c.backend.ExpireAtLeast(ctx, ik, ttl); err != nil {
			c.log.WithContext(ctx).With(meta).Warn("cache invalidate could not restore index ttl: %v", err)
		}
	}
}

// InvalidateEntry deletes one entry. Removing it from the index set is
// best-effort: a stale member is harmless because namespace invalidation
// ignores members whose entries are gone.
func (c *Indexed) InvalidateEntry(ctx context.Context, name Name, indexKey, key string) error {
	if err := validate(name, "index key", indexKey, "key", key); err != nil {
		return err
	}
	ctx, span := c.start(ctx, "invalidate_entry", name, attribute.String("cache.index", indexKey))
	defer span.End()
	meta := map[string]interface{}{"cache": name, "index": indexKey, "key": key}
	if err := c.backend.Del(ctx, entryKey(name, key)); err != nil {
		c.degraded(ctx, span, meta, "cache invalidate entry failed", err)
		return nil
	}
	if err := c.backend.SRem(ctx, indexSetKey(name, indexKey), key); err != nil {
		c.log.WithContext(ctx).With(meta).Debug("stale index member left behind: %v", err)
	}
	return nil
}

// deleteEntry drops an entry whose index key is unknown, leaving a stale member.
func (c *Indexed) deleteEntry(ctx context.Context, name Name, key string) {
	if err := c.backend.Del(ctx, entryKey(name, key)); err != nil {
		c.log.WithContext(ctx).With(map[string]interface{}{"cache": name, "key": key}).Debug("cache delete failed: %v", err)
	}
}

// Members lists the entry keys registered under indexKey. Unlike the other
// operations it reports backend errors; it is meant for inspection tools.
func (c *Indexed) Members(ctx context.Context, name Name, indexKey string) ([]string, error) {
	if err := validate(name, "index key", indexKey); err != nil {
		return nil, err
	}
	members, err := c.backend.SMembers(ctx, indexSetKey(name, indexKey))
	if err != nil {
		return nil, errors.Wrapf(err, "cache: members of %s/%s", name, indexKey)
	}
	return members, nil
}

// IndexTTL returns the remaining lifetime of the index set of indexKey, or a
// negative duration when the set does not exist.
func (c *Indexed) IndexTTL(ctx context.Context, name Name, indexKey string) (time.Duration, error) {
	if err := validate(name, "index key", indexKey); err != nil {
		return 0, err
	}
	ttl, err := c.backend.TTL(ctx, indexSetKey(name, indexKey))
	if err != nil {
		return 0, errors.Wrapf(err, "cache: ttl of %s/%s", name, indexKey)
	}
	return ttl, nil
}
