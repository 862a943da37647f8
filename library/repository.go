package library

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fitlab/go-fitness/keys"
	_ "modernc.org/sqlite"
)

// ErrUnknownSort is returned when a sort names a property that cannot be
// ordered on.
var ErrUnknownSort = errors.New("library: unknown sort property")

// Repository is the source of truth for saved items.
type Repository interface {
	Save(ctx context.Context, item Item) error
	// Remove reports whether the item existed.
	Remove(ctx context.Context, userID string, kind Kind, itemID string) (bool, error)
	List(ctx context.Context, userID string, kind Kind, p keys.Pageable) (Page, error)
	Close() error
}

const librarySchema = `
CREATE TABLE IF NOT EXISTS saved_items (
	user_id  TEXT NOT NULL,
	kind     TEXT NOT NULL,
	item_id  TEXT NOT NULL,
	title    TEXT NOT NULL DEFAULT '',
	saved_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, kind, item_id)
);
CREATE INDEX IF NOT EXISTS idx_saved_items_saved_at ON saved_items (user_id, kind, saved_at);
`

// sortColumns maps the public sort properties to columns.
var sortColumns = map[string]string{
	"savedAt": "saved_at",
	"title":   "title",
	"id":      "item_id",
}

type sqliteRepository struct {
	db *sql.DB
}

var _ Repository = (*sqliteRepository)(nil)

// NewSQLiteRepository opens (or creates) the saved item store at path. An
// empty path or ":memory:" keeps it in memory.
func NewSQLiteRepository(ctx context.Context, path string) (Repository, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %q", path)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, librarySchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create library schema")
	}
	return &sqliteRepository{db: db}, nil
}

func (r *sqliteRepository) Save(ctx context.Context, item Item) error {
	stmt := `
		INSERT INTO saved_items (user_id, kind, item_id, title, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, kind, item_id) DO UPDATE SET
			title = excluded.title,
			saved_at = excluded.saved_at
	`
	if _, err := r.db.ExecContext(ctx, stmt, item.UserID, string(item.Kind), item.ID, item.Title, item.SavedAt.UnixNano()); err != nil {
		return errors.Wrapf(err, "failed to save %s %s", item.Kind, item.ID)
	}
	return nil
}

func (r *sqliteRepository) Remove(ctx context.Context, userID string, kind Kind, itemID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM saved_items WHERE user_id = ? AND kind = ? AND item_id = ?", userID, string(kind), itemID)
	if err != nil {
		return false, errors.Wrapf(err, "failed to remove %s %s", kind, itemID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return n > 0, nil
}

func orderBy(s keys.Sort) (string, error) {
	s = s.Normalize()
	if len(s) == 0 {
		s = keys.DefaultLibrarySort
	}
	parts := make([]string, 0, len(s)+1)
	hasID := false
	for _, o := range s {
		col, ok := sortColumns[o.Property]
		if !ok {
			return "", errors.Wrapf(ErrUnknownSort, "%q", o.Property)
		}
		if col == "item_id" {
			hasID = true
		}
		parts = append(parts, col+" "+string(o.Direction))
	}
	// stable pages need a total order
	if !hasID {
		parts = append(parts, "item_id ASC")
	}
	return strings.Join(parts, ", "), nil
}

func (r *sqliteRepository) List(ctx context.Context, userID string, kind Kind, p keys.Pageable) (Page, error) {
	order, err := orderBy(p.Sort)
	if err != nil {
		return Page{}, err
	}
	where, args := []string{"user_id = ?", "kind = ?"}, []any{userID, string(kind)}

	page := Page{Page: p.Page, Size: p.Size, Items: []Item{}}
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM saved_items WHERE "+strings.Join(where, " AND "), args...).Scan(&page.Total); err != nil {
		return Page{}, errors.Wrap(err, "failed to count saved items")
	}

	query := `
		SELECT item_id, title, saved_at
		FROM saved_items
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY ` + order + `
		LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, query, append(args, p.Size, p.Offset())...)
	if err != nil {
		return Page{}, errors.Wrap(err, "failed to list saved items")
	}
	defer rows.Close()

	for rows.Next() {
		item := Item{UserID: userID, Kind: kind}
		var savedAt int64
		if err := rows.Scan(&item.ID, &item.Title, &savedAt); err != nil {
			return Page{}, errors.Wrap(err, "failed to scan saved item")
		}
		item.SavedAt = time.Unix(0, savedAt).UTC()
		page.Items = append(page.Items, item)
	}
	if err := rows.Err(); err != nil {
		return Page{}, errors.Wrap(err, "failed to iterate saved items")
	}
	return page, nil
}

func (r *sqliteRepository) Close() error {
	return r.db.Close()
}
