// Package cache provides an indexed cache with namespace invalidation and
// pluggable storage backends.
//
// # Regions, Entries and Index Sets
//
// A cache [Name] identifies a region such as [NutritionAdvice] or
// [Leaderboard]; each region has a default TTL looked up in a [TTLTable].
// Within a region every value is an entry stored at
//
//	<name>:e:<key>
//
// and every entry is registered, by its key, in exactly one index set
//
//	<name>:i:<indexKey>
//
// The index key names the namespace the entry belongs to, typically the
// owning user ("user:42") or a feature scope ("board:steps:weekly"). Calling
// [Indexed.InvalidateNamespace] deletes every entry in that namespace by
// visiting the set's members only; no key scan is ever issued.
//
// # Write Ordering
//
// [Indexed.Put] writes the entry first, then adds the key to the index set,
// then raises the set's TTL to at least the entry's TTL. The set's TTL is
// never lowered, so it always outlives the entries it references. A set
// member whose entry has expired is harmless: deleting it is a no-op.
// If the index write fails the entry is deleted again.
//
// # Degradation
//
// The cache never turns a storage failure into a request failure. A backend
// error, timeout or open circuit breaker ([NewGuarded]) makes reads report a
// miss and makes writes and invalidations logged no-ops. Only programming
// errors are returned: an empty name, key or index key ([ErrInvalidArgument])
// and values msgpack cannot encode.
//
// # Typed Stores
//
// [Store] wraps one region with a concrete value type. Values are encoded
// with msgpack ([github.com/vmihailenco/msgpack/v5]) inside an envelope that
// carries a schema tag, by default the Go type name. An entry written with
// another schema, or one that cannot be decoded, is deleted and read as a
// miss:
//
//	advice := cache.NewStore[Advice](c, cache.NutritionAdvice, cache.WithSchemaVersion("2"))
//	found, a, err := cache.Fetch(ctx, advice, keys.User(id), key,
//	    func(ctx context.Context) (Advice, bool, error) {
//	        return advisor.Compute(ctx, id)
//	    },
//	)
//
// [Fetch] is the read-through helper. A producer returning found=false is
// not cached; a producer error is returned and nothing is cached.
//
// # Backends
//
//   - [NewRedis] uses [github.com/redis/go-redis/v9]. Index TTLs are raised
//     with a Lua script so concurrent writers cannot shorten them.
//   - [NewSQLite] uses [modernc.org/sqlite] (pure Go, no CGO). ":memory:" and
//     file databases are supported; file databases run in WAL mode.
//   - [NewInMemory] keeps everything in a mutex-guarded map and copies values
//     in and out. It suits tests and single-process tools.
//   - [NewGuarded] wraps any backend with a circuit breaker from the
//     resilience package.
//
// Redis and SQLite apply a per-operation timeout ([DefaultQueryTimeout]).
// Redis and SQLite accept [WithPrefix] to share one store between deployments.
package cache
