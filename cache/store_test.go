package cache

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type workoutPage struct {
	Items []string `msgpack:"items"`
	Total int      `msgpack:"total"`
}

type workoutPageV2 struct {
	Items []int `msgpack:"items"`
}

func newTestStore[T any](t *testing.T, opts ...StoreOption) (*Store[T], *Indexed) {
	t.Helper()
	mem := NewInMemory(context.Background())
	t.Cleanup(func() { mem.Close() })
	c, _ := newTestIndexed(mem)
	return NewStore[T](c, Workouts, opts...), c
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore[workoutPage](t)
	assert.Equal(t, Workouts, s.Name())
	assert.Equal(t, "cache.workoutPage", s.Schema())
	assert.Equal(t, time.Hour, s.TTL())

	found, _, err := s.Get(ctx, "user:1:page:0")
	require.NoError(t, err)
	assert.False(t, found)

	page := workoutPage{Items: []string{"squat", "row"}, Total: 2}
	require.NoError(t, s.Put(ctx, "user:1", "user:1:page:0", page))
	found, got, err := s.Get(ctx, "user:1:page:0")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, page, got)

	require.NoError(t, s.InvalidateNamespace(ctx, "user:1"))
	found, _, err = s.Get(ctx, "user:1:page:0")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoreTTL(t *testing.T) {
	ctx := context.Background()
	s, c := newTestStore[string](t, WithStoreTTL(10*time.Minute))
	assert.Equal(t, 10*time.Minute, s.TTL())

	require.NoError(t, s.Put(ctx, "i", "a", "x"))
	ttl, err := c.Backend().TTL(ctx, entryKey(Workouts, "a"))
	require.NoError(t, err)
	assert.InDelta(t, float64(10*time.Minute), float64(ttl), float64(time.Second))

	require.NoError(t, s.PutTTL(ctx, "i", "b", "y", time.Minute))
	ttl, err = c.Backend().TTL(ctx, entryKey(Workouts, "b"))
	require.NoError(t, err)
	assert.InDelta(t, float64(time.Minute), float64(ttl), float64(time.Second))
}

func TestStoreSchemaMismatchIsMiss(t *testing.T) {
	ctx := context.Background()
	old, c := newTestStore[workoutPage](t)
	require.NoError(t, old.Put(ctx, "user:1", "k", workoutPage{Items: []string{"a"}}))

	bumped := NewStore[workoutPage](c, Workouts, WithSchemaVersion("2"))
	assert.Equal(t, "cache.workoutPage@2", bumped.Schema())
	found, _, err := bumped.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	// left in place for readers still on the old schema
	found, got, err := old.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"a"}, got.Items)

	// the new version's write replaces it
	require.NoError(t, bumped.Put(ctx, "user:1", "k", workoutPage{Items: []string{"b"}}))
	found, got, err = bumped.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"b"}, got.Items)
	found, _, err = old.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoreTypeChangeIsMiss(t *testing.T) {
	ctx := context.Background()
	old, c := newTestStore[workoutPage](t)
	require.NoError(t, old.Put(ctx, "user:1", "k", workoutPage{Items: []string{"a"}}))

	// same schema tag, incompatible shape
	changed := NewStore[workoutPageV2](c, Workouts, func(cfg *storeConfig) { cfg.schema = old.Schema() })
	found, _, err := changed.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoreGarbageIsMiss(t *testing.T) {
	ctx := context.Background()
	s, c := newTestStore[workoutPage](t)
	require.NoError(t, c.Put(ctx, Workouts, "user:1", "k", "not an envelope", 0))

	found, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
	found, _, err = c.Get(ctx, Workouts, "k")
	require.NoError(t, err)
	assert.False(t, found, "undecodable entry was deleted")
}

func TestStoreEnvelopeLayout(t *testing.T) {
	ctx := context.Background()
	s, c := newTestStore[int](t)
	require.NoError(t, s.Put(ctx, "i", "k", 42))

	_, raw, err := c.Get(ctx, Workouts, "k")
	require.NoError(t, err)
	var env map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(raw, &env))
	assert.Equal(t, "int", env["s"])
	assert.EqualValues(t, 42, env["d"])
}

func TestFetch(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore[workoutPage](t)
	calls := 0
	produce := func(ctx context.Context) (workoutPage, bool, error) {
		calls++
		return workoutPage{Items: []string{"deadlift"}, Total: 1}, true, nil
	}

	found, page, err := Fetch(ctx, s, "user:1", "user:1:page:0", produce)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, page.Total)

	found, page, err = Fetch(ctx, s, "user:1", "user:1:page:0", produce)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"deadlift"}, page.Items)
	assert.Equal(t, 1, calls)
}

func TestFetchNotFoundIsNotCached(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore[workoutPage](t)
	calls := 0
	produce := func(ctx context.Context) (workoutPage, bool, error) {
		calls++
		return workoutPage{}, false, nil
	}

	for i := 0; i < 2; i++ {
		found, _, err := Fetch(ctx, s, "user:1", "k", produce)
		require.NoError(t, err)
		assert.False(t, found)
	}
	assert.Equal(t, 2, calls)
}

func TestFetchProducerError(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore[workoutPage](t)
	boom := errors.New("database unavailable")

	_, _, err := Fetch(ctx, s, "user:1", "k", func(ctx context.Context) (workoutPage, bool, error) {
		return workoutPage{}, true, boom
	})
	assert.ErrorIs(t, err, boom)

	found, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFetchBackendDownStillProduces(t *testing.T) {
	ctx := context.Background()
	flaky := newFlaky(NewInMemory(ctx))
	defer flaky.Close()
	c, _ := newTestIndexed(flaky)
	s := NewStore[string](c, Workouts)
	flaky.failOn("*")

	found, val, err := Fetch(ctx, s, "user:1", "k", func(ctx context.Context) (string, bool, error) {
		return "fresh", true, nil
	})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "fresh", val)
}
