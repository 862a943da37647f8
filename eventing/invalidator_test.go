package eventing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fitlab/go-fitness/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvalidatorRoutesByKind(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var seen []string
	record := func(name string) Route {
		return func(ctx context.Context, ev Event) error {
			mu.Lock()
			seen = append(seen, name+":"+ev.UserID)
			mu.Unlock()
			return nil
		}
	}

	inv := NewInvalidator(logger.NewTestLogger()).
		On(KindProfileUpdated, record("advice")).
		On(KindLibraryChanged, record("workouts")).
		On(KindLibraryChanged, record("recipes"))
	assert.Equal(t, map[Kind]int{KindProfileUpdated: 1, KindLibraryChanged: 2}, inv.Kinds())

	require.NoError(t, inv.Handle(ctx, ProfileUpdated("7")))
	require.NoError(t, inv.Handle(ctx, LibraryChanged("8", "workouts")))
	require.NoError(t, inv.Handle(ctx, ScoreRecorded("steps", "weekly")))

	assert.ElementsMatch(t, []string{"advice:7", "workouts:8", "recipes:8"}, seen)
}

func TestInvalidatorRunsRoutesConcurrently(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	blocking := func(ctx context.Context, ev Event) error {
		started.Done()
		<-release
		return nil
	}
	inv := NewInvalidator(logger.NewTestLogger()).
		On(KindProfileUpdated, blocking).
		On(KindProfileUpdated, blocking)

	done := make(chan error, 1)
	go func() { done <- inv.Handle(ctx, ProfileUpdated("1")) }()
	started.Wait()
	close(release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("routes did not run concurrently")
	}
}

func TestInvalidatorReturnsRouteError(t *testing.T) {
	boom := errors.New("backend rejected")
	inv := NewInvalidator(logger.NewTestLogger()).
		On(KindScoreRecorded, func(ctx context.Context, ev Event) error { return boom })

	err := inv.Handle(context.Background(), ScoreRecorded("steps", "daily"))
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "score.recorded")
}

func TestInvalidatorRunOnBus(t *testing.T) {
	ctx := context.Background()
	bus, _ := newTestBus(t)

	got := make(chan Event, 1)
	inv := NewInvalidator(logger.NewTestLogger()).
		On(KindProfileUpdated, func(ctx context.Context, ev Event) error {
			got <- ev
			return nil
		})
	sub, err := inv.Run(ctx, bus)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.Publish(ctx, ProfileUpdated("42")))
	assert.Equal(t, "42", receive(t, got).UserID)
}
