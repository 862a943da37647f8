// Package library serves paginated pages of a user's saved workouts and
// recipes through the indexed cache. Every cached page of a user is indexed
// under the user, so one save or removal clears all of them.
package library

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fitlab/go-fitness/cache"
	"github.com/fitlab/go-fitness/eventing"
	"github.com/fitlab/go-fitness/keys"
	"github.com/fitlab/go-fitness/logger"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

var ErrInvalidItem = errors.New("library: invalid item")

// Kind is the type of saved item.
type Kind string

const (
	Workouts Kind = "workouts"
	Recipes  Kind = "recipes"
)

// Region returns the cache region holding pages of kind.
func (k Kind) Region() (cache.Name, bool) {
	switch k {
	case Workouts:
		return cache.Workouts, true
	case Recipes:
		return cache.Recipes, true
	}
	return "", false
}

// Item is one saved workout or recipe.
type Item struct {
	ID      string    `msgpack:"id"`
	UserID  string    `msgpack:"user"`
	Kind    Kind      `msgpack:"kind"`
	Title   string    `msgpack:"title"`
	SavedAt time.Time `msgpack:"saved"`
}

// Page is one page of saved items with the total across all pages.
type Page struct {
	Items []Item `msgpack:"items"`
	Page  int    `msgpack:"page"`
	Size  int    `msgpack:"size"`
	Total int    `msgpack:"total"`
}

type Option func(*Service)

func WithPublisher(p eventing.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service is the cached front end of a Repository.
type Service struct {
	repo      Repository
	stores    map[Kind]*cache.Store[Page]
	publisher eventing.Publisher
	logger    logger.Logger
	now       func() time.Time
}

func NewService(c *cache.Indexed, repo Repository, opts ...Option) *Service {
	s := &Service{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.NewConsoleLogger()
	}
	s.logger = s.logger.WithPrefix("[library]")
	s.stores = make(map[Kind]*cache.Store[Page], 2)
	for _, kind := range []Kind{Workouts, Recipes} {
		region, _ := kind.Region()
		s.stores[kind] = cache.NewStore[Page](c, region)
	}
	return s
}

func (s *Service) store(kind Kind) (*cache.Store[Page], error) {
	st, ok := s.stores[kind]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidItem, "unknown kind %q", kind)
	}
	return st, nil
}

// Page returns one page of userID's saved items of kind. A zero size means
// DefaultPageSize.
func (s *Service) Page(ctx context.Context, userID string, kind Kind, p keys.Pageable) (Page, error) {
	if userID == "" {
		return Page{}, errors.Wrap(ErrInvalidItem, "user id is required")
	}
	st, err := s.store(kind)
	if err != nil {
		return Page{}, err
	}
	if err := p.Validate(); err != nil {
		return Page{}, err
	}
	if p.Size == 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		return Page{}, errors.Wrapf(keys.ErrInvalidPageable, "size %d exceeds %d", p.Size, MaxPageSize)
	}
	_, page, err := cache.Fetch(ctx, st, keys.User(userID), keys.LibraryPage(userID, p),
		func(ctx context.Context) (Page, bool, error) {
			page, err := s.repo.List(ctx, userID, kind, p)
			return page, err == nil, err
		})
	return page, err
}

// Save stores item and clears every cached page of its owner.
func (s *Service) Save(ctx context.Context, item Item) error {
	if item.UserID == "" || item.ID == "" {
		return errors.Wrap(ErrInvalidItem, "user and item id are required")
	}
	if _, err := s.store(item.Kind); err != nil {
		return err
	}
	if item.SavedAt.IsZero() {
		item.SavedAt = s.now().UTC()
	}
	if err := s.repo.Save(ctx, item); err != nil {
		return err
	}
	return s.changed(ctx, item.UserID, item.Kind)
}

// Remove deletes a saved item. Removing an item that is not saved is not an
// error and leaves the cache alone.
func (s *Service) Remove(ctx context.Context, userID string, kind Kind, itemID string) error {
	if userID == "" || itemID == "" {
		return errors.Wrap(ErrInvalidItem, "user and item id are required")
	}
	if _, err := s.store(kind); err != nil {
		return err
	}
	existed, err := s.repo.Remove(ctx, userID, kind, itemID)
	if err != nil {
		return err
	}
	if !existed {
		s.logger.Debug("%s %s of user %s was not saved", kind, itemID, userID)
		return nil
	}
	return s.changed(ctx, userID, kind)
}

func (s *Service) changed(ctx context.Context, userID string, kind Kind) error {
	if err := s.stores[kind].InvalidateNamespace(ctx, keys.User(userID)); err != nil {
		return err
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, eventing.LibraryChanged(userID, string(kind))); err != nil {
			s.logger.WithContext(ctx).Warn("failed to announce %s change for %s: %s", kind, userID, err)
		}
	}
	return nil
}

// Register routes library events from other processes to this cache. An
// event without a library clears both kinds.
func (s *Service) Register(inv *eventing.Invalidator) {
	inv.On(eventing.KindLibraryChanged, func(ctx context.Context, ev eventing.Event) error {
		if ev.UserID == "" {
			return nil
		}
		for kind, st := range s.stores {
			if ev.Library != "" && Kind(ev.Library) != kind {
				continue
			}
			if err := st.InvalidateNamespace(ctx, keys.User(ev.UserID)); err != nil {
				return err
			}
		}
		return nil
	})
}
