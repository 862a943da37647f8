package eventing

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/fitlab/go-fitness/logger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestHeaders(t *testing.T) {
	t.Run("Get", func(t *testing.T) {
		h := Headers{"key": "value"}
		assert.Equal(t, "value", h.Get("key"))
		assert.Equal(t, "", h.Get("nonexistent"))
	})

	t.Run("Set", func(t *testing.T) {
		h := Headers{}
		h.Set("key", "value")
		assert.Equal(t, "value", h.Get("key"))

		h.Set("key", "new-value")
		assert.Equal(t, "new-value", h.Get("key"))
	})

	t.Run("Keys", func(t *testing.T) {
		h := Headers{"key1": "value1", "key2": "value2"}
		keys := h.Keys()
		assert.Len(t, keys, 2)
		assert.Contains(t, keys, "key1")
		assert.Contains(t, keys, "key2")
	})
}

func TestWithHeader(t *testing.T) {
	opts := &publishOptions{}

	WithHeader("key1", "value1")(opts)
	assert.Len(t, opts.Headers, 1)
	assert.Equal(t, []string{"key1", "value1"}, opts.Headers[0])

	WithHeader("key2", "value2")(opts)
	assert.Len(t, opts.Headers, 2)
	assert.Equal(t, []string{"key2", "value2"}, opts.Headers[1])
}

func TestEventConstructors(t *testing.T) {
	ev := ProfileUpdated("42")
	assert.Equal(t, KindProfileUpdated, ev.Kind)
	assert.Equal(t, "42", ev.UserID)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.At.IsZero())

	other := ProfileUpdated("42")
	assert.NotEqual(t, ev.ID, other.ID)

	ev = LibraryChanged("42", "workouts")
	assert.Equal(t, KindLibraryChanged, ev.Kind)
	assert.Equal(t, "workouts", ev.Library)

	ev = ScoreRecorded("steps", "weekly")
	assert.Equal(t, KindScoreRecorded, ev.Kind)
	assert.Equal(t, "steps", ev.Board)
	assert.Equal(t, "weekly", ev.Period)
}

func newTestBus(t *testing.T) (Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	bus := NewRedisBus(context.Background(), logger.NewTestLogger(), rdb, "")
	t.Cleanup(func() { bus.Close() })
	return bus, mr
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestRedisBusPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t)

	got := make(chan Event, 1)
	sub, err := bus.Subscribe(ctx, func(ctx context.Context, ev Event) error {
		got <- ev
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	sent := LibraryChanged("42", "recipes")
	require.NoError(t, bus.Publish(ctx, sent, WithHeader("origin", "test")))

	ev := receive(t, got)
	assert.Equal(t, sent.ID, ev.ID)
	assert.Equal(t, KindLibraryChanged, ev.Kind)
	assert.Equal(t, "42", ev.UserID)
	assert.Equal(t, "recipes", ev.Library)
	assert.Equal(t, "test", ev.Headers.Get("origin"))
	assert.True(t, sent.At.Equal(ev.At))
}

func TestRedisBusFillsIDAndTime(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t)

	got := make(chan Event, 1)
	sub, err := bus.Subscribe(ctx, func(ctx context.Context, ev Event) error {
		got <- ev
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.Publish(ctx, Event{Kind: KindScoreRecorded, Board: "steps"}))
	ev := receive(t, got)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.At.IsZero())

	assert.Error(t, bus.Publish(ctx, Event{}))
}

func TestRedisBusPropagatesTrace(t *testing.T) {
	bus, _ := newTestBus(t)
	traceID := trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	got := make(chan trace.TraceID, 1)
	headers := make(chan Headers, 1)
	sub, err := bus.Subscribe(context.Background(), func(ctx context.Context, ev Event) error {
		got <- trace.SpanContextFromContext(ctx).TraceID()
		headers <- ev.Headers
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.Publish(ctx, ProfileUpdated("42")))
	select {
	case id := <-got:
		assert.Equal(t, traceID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	assert.NotEmpty(t, (<-headers).Get("traceparent"))
}

func TestRedisBusHandlerErrorKeepsSubscription(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t)

	got := make(chan Event, 2)
	sub, err := bus.Subscribe(ctx, func(ctx context.Context, ev Event) error {
		got <- ev
		return errors.New("boom")
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.Publish(ctx, ProfileUpdated("1")))
	require.NoError(t, bus.Publish(ctx, ProfileUpdated("2")))
	assert.Equal(t, "1", receive(t, got).UserID)
	assert.Equal(t, "2", receive(t, got).UserID)
}

func TestRedisBusSubscriberClose(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t)

	var calls atomic.Int32
	sub, err := bus.Subscribe(ctx, func(ctx context.Context, ev Event) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	require.NoError(t, bus.Publish(ctx, ProfileUpdated("1")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRedisBusUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	bus := NewRedisBus(context.Background(), logger.NewTestLogger(), rdb, "events")
	mr.Close()

	assert.Error(t, bus.Publish(context.Background(), ProfileUpdated("1")))
	_, err := bus.Subscribe(context.Background(), func(context.Context, Event) error { return nil })
	assert.Error(t, err)
}
