package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// envelope tags cached data with the schema it was written with so that a
// deploy which changes T reads old entries as misses instead of garbage.
type envelope struct {
	Schema string             `msgpack:"s"`
	Data   msgpack.RawMessage `msgpack:"d"`
}

type storeConfig struct {
	ttl    time.Duration
	schema string
}

// StoreOption configures a Store.
type StoreOption func(*storeConfig)

// WithStoreTTL overrides the region TTL for values written through the store.
func WithStoreTTL(d time.Duration) StoreOption {
	return func(c *storeConfig) { c.ttl = d }
}

// WithSchemaVersion appends a version to the schema tag. Bump it whenever the
// encoded shape of T changes without its Go type name changing.
func WithSchemaVersion(v string) StoreOption {
	return func(c *storeConfig) {
		if v != "" {
			c.schema += "@" + v
		}
	}
}

// Store is a typed view of one cache region.
type Store[T any] struct {
	cache  *Indexed
	name   Name
	ttl    time.Duration
	schema string
}

// NewStore returns a typed store for the region name on top of c.
func NewStore[T any](c *Indexed, name Name, opts ...StoreOption) *Store[T] {
	var zero T
	cfg := storeConfig{schema: fmt.Sprintf("%T", zero)}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Store[T]{
		cache:  c,
		name:   name,
		ttl:    cfg.ttl,
		schema: cfg.schema,
	}
}

// Name returns the region the store reads and writes.
func (s *Store[T]) Name() Name {
	return s.name
}

// Schema returns the tag written alongside every value.
func (s *Store[T]) Schema() string {
	return s.schema
}

// TTL returns the TTL used by Put.
func (s *Store[T]) TTL() time.Duration {
	if s.ttl > 0 {
		return s.ttl
	}
	return s.cache.TTL(s.name)
}

// Get returns the value stored under key. Entries that cannot be decoded are
// deleted and reported as misses. Entries written with a different schema are
// misses but stay in place, so two versions running side by side do not keep
// deleting each other's entries.
func (s *Store[T]) Get(ctx context.Context, key string) (bool, T, error) {
	var zero T
	found, raw, err := s.cache.Get(ctx, s.name, key)
	if err != nil || !found {
		return false, zero, err
	}
	var env envelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		s.drop(ctx, key, "undecodable envelope", err)
		return false, zero, nil
	}
	if env.Schema != s.schema {
		s.cache.log.WithContext(ctx).With(map[string]interface{}{"cache": s.name, "key": key}).Debug("cached entry has schema %q, want %q", env.Schema, s.schema)
		return false, zero, nil
	}
	var val T
	if err := msgpack.Unmarshal(env.Data, &val); err != nil {
		s.drop(ctx, key, "undecodable value", err)
		return false, zero, nil
	}
	return true, val, nil
}

func (s *Store[T]) drop(ctx context.Context, key, reason string, err error) {
	s.cache.log.WithContext(ctx).With(map[string]interface{}{"cache": s.name, "key": key}).Warn("discarding cached entry, %s: %v", reason, err)
	s.cache.deleteEntry(ctx, s.name, key)
}

// Put stores val under key in the namespace of indexKey.
func (s *Store[T]) Put(ctx context.Context, indexKey, key string, val T) error {
	return s.PutTTL(ctx, indexKey, key, val, s.ttl)
}

// PutTTL is Put with an explicit TTL. ttl <= 0 selects the store's TTL.
func (s *Store[T]) PutTTL(ctx context.Context, indexKey, key string, val T, ttl time.Duration) error {
	data, err := msgpack.Marshal(val)
	if err != nil {
		return errors.Wrapf(err, "cache: encode %s for %s/%s", s.schema, s.name, key)
	}
	if ttl <= 0 {
		ttl = s.TTL()
	}
	return s.cache.Put(ctx, s.name, indexKey, key, envelope{Schema: s.schema, Data: data}, ttl)
}

// Refresh replaces the value under key; it behaves exactly like Put.
func (s *Store[T]) Refresh(ctx context.Context, indexKey, key string, val T) error {
	return s.Put(ctx, indexKey, key, val)
}

// InvalidateNamespace deletes every entry of the namespace indexKey.
func (s *Store[T]) InvalidateNamespace(ctx context.Context, indexKey string) error {
	return s.cache.InvalidateNamespace(ctx, s.name, indexKey)
}

// InvalidateEntry deletes the entry under key.
func (s *Store[T]) InvalidateEntry(ctx context.Context, indexKey, key string) error {
	return s.cache.InvalidateEntry(ctx, s.name, indexKey, key)
}

// Producer computes a value on a cache miss. Returning found=false means
// there is nothing to cache and nothing is written.
type Producer[T any] func(ctx context.Context) (T, bool, error)

// Fetch returns the cached value under key or, on a miss, the value computed
// by produce, which is then written back in the namespace of indexKey.
// Errors from produce are returned unchanged and nothing is cached.
func Fetch[T any](ctx context.Context, s *Store[T], indexKey, key string, produce Producer[T]) (bool, T, error) {
	found, val, err := s.Get(ctx, key)
	if err != nil {
		return false, val, err
	}
	if found {
		return true, val, nil
	}
	val, found, err = produce(ctx)
	if err != nil || !found {
		return found, val, err
	}
	if err := s.Put(ctx, indexKey, key, val); err != nil {
		return true, val, err
	}
	return true, val, nil
}
