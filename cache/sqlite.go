package cache

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
CREATE TABLE IF NOT EXISTS cache_sets (
	key TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS cache_members (
	set_key TEXT NOT NULL,
	member TEXT NOT NULL,
	PRIMARY KEY (set_key, member)
);
`

type sqliteBackend struct {
	db        *sql.DB
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var _ Backend = (*sqliteBackend)(nil)

// NewSQLite returns a Backend stored in SQLite.
// If dbPath is empty or ":memory:", an in-memory database is used.
// Expired rows are removed lazily and by a sweep every WithExpiryCheck interval.
func NewSQLite(ctx context.Context, dbPath string, opts ...Option) (Backend, error) {
	cfg := applyOptions(opts)
	if cfg.expiryCheck <= 0 {
		cfg.expiryCheck = time.Minute
	}
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %q", dbPath)
	}
	if dbPath == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable WAL")
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create cache schema")
	}

	childCtx, cancel := context.WithCancel(ctx)
	c := &sqliteBackend{
		db:     db,
		ctx:    childCtx,
		cancel: cancel,
		cfg:    cfg,
	}
	c.waitGroup.Add(1)
	go c.run()
	return c, nil
}

func (c *sqliteBackend) key(k string) string {
	return prefixed(c.cfg.prefix, k)
}

func (c *sqliteBackend) nowNano() int64 {
	return c.cfg.now().UnixNano()
}

func (c *sqliteBackend) expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return c.cfg.now().Add(ttl).UnixNano()
}

func live(expiresAt, now int64) bool {
	return expiresAt == 0 || expiresAt > now
}

func (c *sqliteBackend) Get(ctx context.Context, key string) (bool, []byte, error) {
	qctx, cancel := queryCtx(ctx, c.cfg.queryTimeout)
	defer cancel()
	k := c.key(key)
	var data []byte
	var expiresAt int64
	err := c.db.QueryRowContext(qctx, `SELECT value, expires_at FROM cache_entries WHERE key = ?`, k).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		var isSet int
		if err := c.db.QueryRowContext(qctx, `SELECT COUNT(*) FROM cache_sets WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`, k, c.nowNano()).Scan(&isSet); err == nil && isSet > 0 {
			return false, nil, ErrWrongType
		}
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	if !live(expiresAt, c.nowNano()) {
		_, _ = c.db.ExecContext(qctx, `DELETE FROM cache_entries WHERE key = ? AND expires_at = ?`, k, expiresAt)
		return false, nil, nil
	}
	return true, data, nil
}

func (c *sqliteBackend) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	qctx, cancel := queryCtx(ctx, c.cfg.queryTimeout)
	defer cancel()
	return c.withTx(qctx, func(tx *sql.Tx) error {
		k := c.key(key)
		if err := deleteSets(qctx, tx, []string{k}); err != nil {
			return err
		}
		_, err := tx.ExecContext(qctx,
			`INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
			k, val, c.expiresAt(ttl),
		)
		return err
	})
}

func (c *sqliteBackend) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	qctx, cancel := queryCtx(ctx, c.cfg.queryTimeout)
	defer cancel()
	ks := make([]string, len(keys))
	for i, k := range keys {
		ks[i] = c.key(k)
	}
	return c.withTx(qctx, func(tx *sql.Tx) error {
		marks, args := placeholders(ks)
		if _, err := tx.ExecContext(qctx, `DELETE FROM cache_entries WHERE key IN (`+marks+`)`, args...); err != nil {
			return err
		}
		return deleteSets(qctx, tx, ks)
	})
}

func (c *sqliteBackend) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	qctx, cancel := queryCtx(ctx, c.cfg.queryTimeout)
	defer cancel()
	k := c.key(key)
	now := c.nowNano()
	return c.withTx(qctx, func(tx *sql.Tx) error {
		var entryExpires int64
		err := tx.QueryRowContext(qctx, `SELECT expires_at FROM cache_entries WHERE key = ?`, k).Scan(&entryExpires)
		if err == nil && live(entryExpires, now) {
			return ErrWrongType
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		var setExpires int64
		err = tx.QueryRowContext(qctx, `SELECT expires_at FROM cache_sets WHERE key = ?`, k).Scan(&setExpires)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case !live(setExpires, now):
			if err := deleteSets(qctx, tx, []string{k}); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(qctx, `INSERT OR IGNORE INTO cache_sets (key, expires_at) VALUES (?, 0)`, k); err != nil {
			return err
		}
		for _, m := range members {
			if _, err := tx.ExecContext(qctx, `INSERT OR IGNORE INTO cache_members (set_key, member) VALUES (?, ?)`, k, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *sqliteBackend) SMembers(ctx context.Context, key string) ([]string, error) {
	qctx, cancel := queryCtx(ctx, c.cfg.queryTimeout)
	defer cancel()
	rows, err := c.db.QueryContext(qctx,
		`SELECT m.member FROM cache_members m
		JOIN cache_sets s ON s.key = m.set_key
		WHERE m.set_key = ? AND (s.expires_at = 0 OR s.expires_at > ?)`,
		c.key(key), c.nowNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	members := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (c *sqliteBackend) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	qctx, cancel := queryCtx(ctx, c.cfg.queryTimeout)
	defer cancel()
	k := c.key(key)
	return c.withTx(qctx, func(tx *sql.Tx) error {
		marks, args := placeholders(members)
		args = append([]interface{}{k}, args...)
		if _, err := tx.ExecContext(qctx, `DELETE FROM cache_members WHERE set_key = ? AND member IN (`+marks+`)`, args...); err != nil {
			return err
		}
		_, err := tx.ExecContext(qctx,
			`DELETE FROM cache_sets WHERE key = ? AND NOT EXISTS (SELECT 1 FROM cache_members WHERE set_key = ?)`, k, k)
		return err
	})
}

// ttlRow finds key among entries then sets and reports its expires_at.
func (c *sqliteBackend) ttlRow(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}, k string) (table string, expiresAt int64, found bool, err error) {
	now := c.nowNano()
	for _, t := range []string{"cache_entries", "cache_sets"} {
		err := q.QueryRowContext(ctx, `SELECT expires_at FROM `+t+` WHERE key = ?`, k).Scan(&expiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return "", 0, false, err
		}
		if live(expiresAt, now) {
			return t, expiresAt, true, nil
		}
	}
	return "", 0, false, nil
}

func (c *sqliteBackend) TTL(ctx context.Context, key string) (time.Duration, error) {
	qctx, cancel := queryCtx(ctx, c.cfg.queryTimeout)
	defer cancel()
	_, expiresAt, found, err := c.ttlRow(qctx, c.db, c.key(key))
	if err != nil {
		return 0, err
	}
	if !found || expiresAt == 0 {
		return -1, nil
	}
	return time.Duration(expiresAt - c.nowNano()), nil
}

func (c *sqliteBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.expire(ctx, key, ttl, false)
}

func (c *sqliteBackend) ExpireAtLeast(ctx context.Context, key string, ttl time.Duration) error {
	return c.expire(ctx, key, ttl, true)
}

func (c *sqliteBackend) expire(ctx context.Context, key string, ttl time.Duration, atLeast bool) error {
	if ttl <= 0 {
		if atLeast {
			return nil
		}
		return c.Del(ctx, key)
	}
	qctx, cancel := queryCtx(ctx, c.cfg.queryTimeout)
	defer cancel()
	k := c.key(key)
	return c.withTx(qctx, func(tx *sql.Tx) error {
		table, current, found, err := c.ttlRow(qctx, tx, k)
		if err != nil || !found {
			return err
		}
		want := c.expiresAt(ttl)
		if atLeast && current != 0 && current >= want {
			return nil
		}
		_, err = tx.ExecContext(qctx, `UPDATE `+table+` SET expires_at = ? WHERE key = ?`, want, k)
		return err
	})
}

func (c *sqliteBackend) Close() error {
	var dbErr error
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
		dbErr = c.db.Close()
	})
	return dbErr
}

func (c *sqliteBackend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func deleteSets(ctx context.Context, tx *sql.Tx, keys []string) error {
	marks, args := placeholders(keys)
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_members WHERE set_key IN (`+marks+`)`, args...); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM cache_sets WHERE key IN (`+marks+`)`, args...)
	return err
}

func placeholders(values []string) (string, []interface{}) {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(values)), ","), args
}

func (c *sqliteBackend) run() {
	defer c.waitGroup.Done()
	ticker := time.NewTicker(c.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *sqliteBackend) sweep() {
	now := c.nowNano()
	ctx, cancel := queryCtx(c.ctx, c.cfg.queryTimeout)
	defer cancel()
	_ = c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at != 0 AND expires_at <= ?`, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cache_members WHERE set_key IN (SELECT key FROM cache_sets WHERE expires_at != 0 AND expires_at <= ?)`, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM cache_sets WHERE expires_at != 0 AND expires_at <= ?`, now)
		return err
	})
}
