// Package leaderboard serves cached top-N views of score boards.
package leaderboard

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
	DefaultLimit = 10
	MaxLimit     = 100
)

var ErrInvalidQuery = errors.New("leaderboard: invalid query")

// Entry is one ranked row.
type Entry struct {
	Rank   int     `msgpack:"rank"`
	UserID string  `msgpack:"user"`
	Score  float64 `msgpack:"score"`
}

// Snapshot is the cached top-N of one board bucket.
type Snapshot struct {
	Board       string    `msgpack:"board"`
	Period      string    `msgpack:"period"`
	Start       time.Time `msgpack:"start"`
	Entries     []Entry   `msgpack:"entries"`
	GeneratedAt time.Time `msgpack:"generated"`
}

type Option func(*Service)

func WithPublisher(p eventing.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service caches Source reads in the leaderboard region, indexed per board
// and period.
type Service struct {
	store     *cache.Store[Snapshot]
	source    Source
	publisher eventing.Publisher
	logger    logger.Logger
	now       func() time.Time
}

func NewService(c *cache.Indexed, source Source, opts ...Option) *Service {
	s := &Service{source: source, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.NewConsoleLogger()
	}
	s.logger = s.logger.WithPrefix("[leaderboard]")
	s.store = cache.NewStore[Snapshot](c, cache.Leaderboard)
	return s
}

func check(board string, period keys.Period) error {
	if board == "" {
		return errors.Wrap(ErrInvalidQuery, "board is required")
	}
	if !period.Valid() {
		return errors.Wrapf(ErrInvalidQuery, "unknown period %q", period)
	}
	return nil
}

// Top returns the first limit rows of board for the period bucket containing
// at. A limit of zero means DefaultLimit.
func (s *Service) Top(ctx context.Context, board string, period keys.Period, at time.Time, limit int) (Snapshot, error) {
	if err := check(board, period); err != nil {
		return Snapshot{}, err
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < 0 || limit > MaxLimit {
		return Snapshot{}, errors.Wrapf(ErrInvalidQuery, "limit %d out of range", limit)
	}
	_, snap, err := cache.Fetch(ctx, s.store, keys.Board(board, period), keys.Leaderboard(board, period, at, limit),
		func(ctx context.Context) (Snapshot, bool, error) {
			entries, err := s.source.Top(ctx, board, period, at, limit)
			if err != nil {
				return Snapshot{}, false, err
			}
			return Snapshot{
				Board:       board,
				Period:      string(period),
				Start:       period.Start(at),
				Entries:     entries,
				GeneratedAt: s.now().UTC(),
			}, true, nil
		})
	return snap, err
}

// Record adds delta to userID's score and invalidates every cached view of
// the board.
func (s *Service) Record(ctx context.Context, board, userID string, delta float64) error {
	if board == "" || userID == "" {
		return errors.Wrap(ErrInvalidQuery, "board and user are required")
	}
	if err := s.source.Record(ctx, board, userID, delta, s.now()); err != nil {
		return err
	}
	for _, p := range periods {
		if err := s.ScoreRecorded(ctx, board, p); err != nil {
			return err
		}
	}
	return nil
}

// ScoreRecorded drops the cached views of one board period and announces it.
func (s *Service) ScoreRecorded(ctx context.Context, board string, period keys.Period) error {
	if err := check(board, period); err != nil {
		return err
	}
	if err := s.store.InvalidateNamespace(ctx, keys.Board(board, period)); err != nil {
		return err
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, eventing.ScoreRecorded(board, string(period))); err != nil {
			s.logger.WithContext(ctx).Warn("failed to announce %s %s score: %s", board, period, err)
		}
	}
	return nil
}

// Register routes score events from other processes to this cache. An event
// without a period clears every period of the board.
func (s *Service) Register(inv *eventing.Invalidator) {
	inv.On(eventing.KindScoreRecorded, func(ctx context.Context, ev eventing.Event) error {
		if ev.Board == "" {
			return nil
		}
		targets := periods
		if ev.Period != "" {
			targets = []keys.Period{keys.Period(ev.Period)}
		}
		for _, p := range targets {
			if !p.Valid() {
				s.logger.Debug("ignoring score event %s with period %q", ev.ID, p)
				continue
			}
			if err := s.store.InvalidateNamespace(ctx, keys.Board(ev.Board, p)); err != nil {
				return err
			}
		}
		return nil
	})
}
