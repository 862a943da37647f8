// Package advice serves weekly AI nutrition advice through the indexed cache.
//
// Advice is expensive to produce, so it is cached per user, week and goal in
// the nutritionAdvice region and indexed under the user. Any profile change
// clears every cached week for that user.
package advice

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fitlab/go-fitness/cache"
	"github.com/fitlab/go-fitness/eventing"
	"github.com/fitlab/go-fitness/keys"
	"github.com/fitlab/go-fitness/logger"
)

// ErrMissingUser is returned when a request has no user id.
var ErrMissingUser = errors.New("advice: user id is required")

// Request identifies the advice to produce.
type Request struct {
	UserID string
	Week   time.Time // normalized to the Monday of its week
	Goal   string
}

// Advice is the cached result.
type Advice struct {
	UserID    string    `msgpack:"user"`
	Week      string    `msgpack:"week"`
	Goal      string    `msgpack:"goal,omitempty"`
	Text      string    `msgpack:"text"`
	Model     string    `msgpack:"model,omitempty"`
	CreatedAt time.Time `msgpack:"created"`
}

// Advisor produces advice on a cache miss.
type Advisor interface {
	Advise(ctx context.Context, req Request) (Advice, error)
}

// AdvisorFunc adapts a function to Advisor.
type AdvisorFunc func(ctx context.Context, req Request) (Advice, error)

func (f AdvisorFunc) Advise(ctx context.Context, req Request) (Advice, error) {
	return f(ctx, req)
}

type Option func(*Service)

// WithPublisher makes ProfileUpdated announce the change to other processes.
func WithPublisher(p eventing.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithLogger sets the service logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithTTL overrides the region TTL for advice.
func WithTTL(d time.Duration) Option {
	return func(s *Service) { s.ttl = d }
}

// Service is the cached advice front end.
type Service struct {
	store     *cache.Store[Advice]
	advisor   Advisor
	publisher eventing.Publisher
	logger    logger.Logger
	ttl       time.Duration
}

// NewService returns a Service caching advisor's results in c.
func NewService(c *cache.Indexed, advisor Advisor, opts ...Option) *Service {
	s := &Service{advisor: advisor}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.NewConsoleLogger()
	}
	s.logger = s.logger.WithPrefix("[advice]")
	s.store = cache.NewStore[Advice](c, cache.NutritionAdvice, cache.WithStoreTTL(s.ttl), cache.WithSchemaVersion("1"))
	return s
}

// Store exposes the typed store backing the service.
func (s *Service) Store() *cache.Store[Advice] {
	return s.store
}

// Advice returns the advice for userID's week and goal, asking the advisor
// only when nothing is cached.
func (s *Service) Advice(ctx context.Context, userID string, week time.Time, goal string) (Advice, error) {
	if userID == "" {
		return Advice{}, ErrMissingUser
	}
	req := Request{UserID: userID, Week: keys.WeekStart(week), Goal: goal}
	_, a, err := cache.Fetch(ctx, s.store, keys.User(userID), keys.Advice(userID, week, goal),
		func(ctx context.Context) (Advice, bool, error) {
			a, err := s.advisor.Advise(ctx, req)
			if err != nil {
				return Advice{}, false, errors.Wrapf(err, "advise user %s", userID)
			}
			return a, true, nil
		})
	return a, err
}

// Cached returns the cached advice without producing it.
func (s *Service) Cached(ctx context.Context, userID string, week time.Time, goal string) (Advice, bool, error) {
	if userID == "" {
		return Advice{}, false, ErrMissingUser
	}
	found, a, err := s.store.Get(ctx, keys.Advice(userID, week, goal))
	return a, found, err
}

// ProfileUpdated drops every cached week of advice for userID.
func (s *Service) ProfileUpdated(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrMissingUser
	}
	if err := s.store.InvalidateNamespace(ctx, keys.User(userID)); err != nil {
		return err
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, eventing.ProfileUpdated(userID)); err != nil {
			s.logger.WithContext(ctx).Warn("failed to announce profile update for %s: %s", userID, err)
		}
	}
	return nil
}

// Register routes profile events from other processes to this cache.
func (s *Service) Register(inv *eventing.Invalidator) {
	inv.On(eventing.KindProfileUpdated, func(ctx context.Context, ev eventing.Event) error {
		if ev.UserID == "" {
			return nil
		}
		return s.store.InvalidateNamespace(ctx, keys.User(ev.UserID))
	})
}
