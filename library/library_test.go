package library

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fitlab/go-fitness/cache"
	"github.com/fitlab/go-fitness/eventing"
	"github.com/fitlab/go-fitness/keys"
	"github.com/fitlab/go-fitness/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

type countingRepository struct {
	Repository
	lists atomic.Int32
}

func (r *countingRepository) List(ctx context.Context, userID string, kind Kind, p keys.Pageable) (Page, error) {
	r.lists.Add(1)
	return r.Repository.List(ctx, userID, kind, p)
}

func newTestRepository(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLiteRepository(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newTestService(t *testing.T, opts ...Option) (*Service, *countingRepository, *cache.Indexed) {
	t.Helper()
	log := logger.NewTestLogger()
	backend := cache.NewInMemory(context.Background(), cache.WithLogger(log))
	t.Cleanup(func() { backend.Close() })
	c := cache.NewIndexed(backend, cache.MustTTLTable(time.Hour, cache.DefaultTTLs()), cache.WithLogger(log))
	repo := &countingRepository{Repository: newTestRepository(t)}
	return NewService(c, repo, append([]Option{WithLogger(log)}, opts...)...), repo, c
}

func seed(t *testing.T, repo Repository, userID string, kind Kind, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, repo.Save(context.Background(), Item{
			ID:      fmt.Sprintf("%s-%d", kind, i),
			UserID:  userID,
			Kind:    kind,
			Title:   fmt.Sprintf("item %c", 'a'+i),
			SavedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}
}

func ids(p Page) []string {
	out := make([]string, 0, len(p.Items))
	for _, item := range p.Items {
		out = append(out, item.ID)
	}
	return out
}

func TestRepositoryListSortsAndPages(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	seed(t, repo, "42", Workouts, 5)
	seed(t, repo, "42", Recipes, 2)
	seed(t, repo, "7", Workouts, 1)

	page, err := repo.List(ctx, "42", Workouts, keys.MustPageable(0, 2))
	require.NoError(t, err)
	assert.Equal(t, []string{"workouts-4", "workouts-3"}, ids(page))
	assert.Equal(t, 5, page.Total)

	page, err = repo.List(ctx, "42", Workouts, keys.MustPageable(2, 2))
	require.NoError(t, err)
	assert.Equal(t, []string{"workouts-0"}, ids(page))

	page, err = repo.List(ctx, "42", Workouts, keys.MustPageable(0, 3, keys.Asc("title")))
	require.NoError(t, err)
	assert.Equal(t, []string{"workouts-0", "workouts-1", "workouts-2"}, ids(page))
	assert.True(t, page.Items[0].SavedAt.Equal(base))

	page, err = repo.List(ctx, "42", Workouts, keys.MustPageable(5, 2))
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	_, err = repo.List(ctx, "42", Workouts, keys.MustPageable(0, 2, keys.Asc("calories")))
	assert.ErrorIs(t, err, ErrUnknownSort)
}

func TestRepositorySaveUpsertsAndRemove(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	item := Item{ID: "w1", UserID: "42", Kind: Workouts, Title: "legs", SavedAt: base}
	require.NoError(t, repo.Save(ctx, item))
	item.Title = "leg day"
	require.NoError(t, repo.Save(ctx, item))

	page, err := repo.List(ctx, "42", Workouts, keys.MustPageable(0, 10))
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "leg day", page.Items[0].Title)

	existed, err := repo.Remove(ctx, "42", Workouts, "w1")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = repo.Remove(ctx, "42", Workouts, "w1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestSavingWorkoutClearsCachedPages(t *testing.T) {
	ctx := context.Background()
	svc, repo, c := newTestService(t)
	seed(t, repo, "42", Workouts, 3)

	first, err := svc.Page(ctx, "42", Workouts, keys.MustPageable(0, 2))
	require.NoError(t, err)
	assert.Equal(t, []string{"workouts-2", "workouts-1"}, ids(first))
	_, err = svc.Page(ctx, "42", Workouts, keys.MustPageable(1, 2))
	require.NoError(t, err)

	cached, err := svc.Page(ctx, "42", Workouts, keys.MustPageable(0, 2, keys.Desc("savedAt")))
	require.NoError(t, err)
	assert.Equal(t, ids(first), ids(cached))
	assert.Equal(t, int32(2), repo.lists.Load(), "explicit default sort hits the unsorted entry")

	members, err := c.Members(ctx, cache.Workouts, "user:42")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"user:42:page:0:size:2:sort:unsorted",
		"user:42:page:1:size:2:sort:unsorted",
	}, members)

	require.NoError(t, svc.Save(ctx, Item{ID: "new", UserID: "42", Kind: Workouts, Title: "hill sprints", SavedAt: base.Add(24 * time.Hour)}))

	found, _, err := cache.NewStore[Page](c, cache.Workouts).Get(ctx, keys.LibraryPage("42", keys.MustPageable(0, 2)))
	require.NoError(t, err)
	assert.False(t, found)

	again, err := svc.Page(ctx, "42", Workouts, keys.MustPageable(0, 2))
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "workouts-2"}, ids(again))
	assert.Equal(t, 4, again.Total)
	assert.Equal(t, int32(3), repo.lists.Load())
}

func TestSaveLeavesOtherKindAndUsers(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)
	seed(t, repo, "42", Recipes, 1)
	seed(t, repo, "7", Workouts, 1)

	_, err := svc.Page(ctx, "42", Recipes, keys.Pageable{})
	require.NoError(t, err)
	_, err = svc.Page(ctx, "7", Workouts, keys.Pageable{})
	require.NoError(t, err)

	require.NoError(t, svc.Save(ctx, Item{ID: "w", UserID: "42", Kind: Workouts}))

	_, err = svc.Page(ctx, "42", Recipes, keys.Pageable{})
	require.NoError(t, err)
	_, err = svc.Page(ctx, "7", Workouts, keys.Pageable{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), repo.lists.Load())
}

func TestPageDefaultsSize(t *testing.T) {
	ctx := context.Background()
	svc, repo, c := newTestService(t)
	seed(t, repo, "42", Recipes, 1)

	page, err := svc.Page(ctx, "42", Recipes, keys.Pageable{})
	require.NoError(t, err)
	assert.Equal(t, DefaultPageSize, page.Size)

	members, err := c.Members(ctx, cache.Recipes, "user:42")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:42:page:0:size:20:sort:unsorted"}, members)
}

func TestPageRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.Page(ctx, "42", Workouts, keys.Pageable{Page: -1})
	assert.ErrorIs(t, err, keys.ErrInvalidPageable)
	_, err = svc.Page(ctx, "42", Workouts, keys.Pageable{Size: MaxPageSize + 1})
	assert.ErrorIs(t, err, keys.ErrInvalidPageable)
	_, err = svc.Page(ctx, "42", Kind("meals"), keys.Pageable{})
	assert.ErrorIs(t, err, ErrInvalidItem)
	_, err = svc.Page(ctx, "", Workouts, keys.Pageable{})
	assert.ErrorIs(t, err, ErrInvalidItem)
	assert.ErrorIs(t, svc.Save(ctx, Item{UserID: "42", Kind: Workouts}), ErrInvalidItem)
}

type recordingPublisher struct {
	events []eventing.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev eventing.Event, opts ...eventing.PublishOption) error {
	p.events = append(p.events, ev)
	return nil
}

func TestRemovePublishesOnlyWhenSaved(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	svc, repo, _ := newTestService(t, WithPublisher(pub))
	seed(t, repo, "42", Recipes, 2)

	require.NoError(t, svc.Remove(ctx, "42", Recipes, "missing"))
	assert.Empty(t, pub.events)

	require.NoError(t, svc.Remove(ctx, "42", Recipes, "recipes-0"))
	require.Len(t, pub.events, 1)
	assert.Equal(t, eventing.KindLibraryChanged, pub.events[0].Kind)
	assert.Equal(t, "recipes", pub.events[0].Library)

	page, err := svc.Page(ctx, "42", Recipes, keys.Pageable{})
	require.NoError(t, err)
	assert.Equal(t, []string{"recipes-1"}, ids(page))
}

func TestRegisterHandlesLibraryEvents(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)
	inv := eventing.NewInvalidator(logger.NewTestLogger())
	svc.Register(inv)

	_, err := svc.Page(ctx, "42", Workouts, keys.Pageable{})
	require.NoError(t, err)
	_, err = svc.Page(ctx, "42", Recipes, keys.Pageable{})
	require.NoError(t, err)

	require.NoError(t, inv.Handle(ctx, eventing.LibraryChanged("42", "recipes")))
	_, err = svc.Page(ctx, "42", Workouts, keys.Pageable{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), repo.lists.Load(), "workout pages untouched")
	_, err = svc.Page(ctx, "42", Recipes, keys.Pageable{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), repo.lists.Load())

	require.NoError(t, inv.Handle(ctx, eventing.LibraryChanged("42", "")))
	_, err = svc.Page(ctx, "42", Workouts, keys.Pageable{})
	require.NoError(t, err)
	assert.Equal(t, int32(4), repo.lists.Load())
}
