package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fitlab/go-fitness/keys"
	"github.com/redis/go-redis/v9"
)

// Source is the authoritative score store the cached views are built from.
type Source interface {
	// Top returns the highest scores of the bucket of period containing at.
	Top(ctx context.Context, board string, period keys.Period, at time.Time, limit int) ([]Entry, error)
	// Record adds delta to userID's score in every period bucket containing at.
	Record(ctx context.Context, board, userID string, delta float64, at time.Time) error
}

var periods = []keys.Period{keys.Daily, keys.Weekly, keys.Monthly, keys.AllTime}

// retention keeps a closed bucket readable for a while after it ends.
var retention = map[keys.Period]time.Duration{
	keys.Daily:   2 * 24 * time.Hour,
	keys.Weekly:  14 * 24 * time.Hour,
	keys.Monthly: 62 * 24 * time.Hour,
}

type redisSource struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ Source = (*redisSource)(nil)

// NewRedisSource returns a Source keeping one sorted set per board bucket.
func NewRedisSource(rdb redis.UniversalClient, prefix string) Source {
	if prefix != "" {
		prefix += ":"
	}
	return &redisSource{rdb: rdb, prefix: prefix}
}

func (s *redisSource) bucket(board string, period keys.Period, at time.Time) string {
	key := fmt.Sprintf("%sscores:%s:%s", s.prefix, board, period)
	if period != keys.AllTime {
		key += ":" + period.Start(at).Format(time.DateOnly)
	}
	return key
}

func (s *redisSource) Top(ctx context.Context, board string, period keys.Period, at time.Time, limit int) ([]Entry, error) {
	rows, err := s.rdb.ZRevRangeWithScores(ctx, s.bucket(board, period, at), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s %s scores", board, period)
	}
	entries := make([]Entry, 0, len(rows))
	for i, row := range rows {
		member, _ := row.Member.(string)
		entries = append(entries, Entry{Rank: i + 1, UserID: member, Score: row.Score})
	}
	return entries, nil
}

func (s *redisSource) Record(ctx context.Context, board, userID string, delta float64, at time.Time) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range periods {
			key := s.bucket(board, p, at)
			pipe.ZIncrBy(ctx, key, delta, userID)
			if keep, ok := retention[p]; ok {
				pipe.Expire(ctx, key, max(time.Until(nextStart(p, at))+keep, keep))
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to record score on %s", board)
	}
	return nil
}

func nextStart(p keys.Period, at time.Time) time.Time {
	start := p.Start(at)
	switch p {
	case keys.Daily:
		return start.AddDate(0, 0, 1)
	case keys.Weekly:
		return start.AddDate(0, 0, 7)
	case keys.Monthly:
		return start.AddDate(0, 1, 0)
	}
	return time.Time{}
}
