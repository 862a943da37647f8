// Package keys builds the entry keys and index keys used by the feature
// caches.
//
// Entry keys encode every parameter that changes the cached content; index
// keys encode only the owner whose changes invalidate it. Builders are pure:
// equal parameters always give byte-identical keys. Every caller-supplied
// component is escaped, so a ':' inside a user id or query cannot produce
// another feature's key.
package keys

import (
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

const dateLayout = "2006-01-02"

// maxQueryLen is the longest normalized search query stored verbatim in a
// key; longer queries are hashed.
const maxQueryLen = 64

var escaper = strings.NewReplacer("%", "%25", ":", "%3A", ",", "%2C")

func escape(s string) string {
	return escaper.Replace(s)
}

// WeekStart returns midnight UTC of the Monday of t's week.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	y, m, d := t.AddDate(0, 0, -offset).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// User is the index key of everything cached for one user.
func User(userID string) string {
	return "user:" + escape(userID)
}

// UserWeek is the index key of one user's data for the week containing week.
func UserWeek(userID string, week time.Time) string {
	return User(userID) + ":week:" + WeekStart(week).Format(dateLayout)
}

// Advice is the entry key of the nutrition advice for a user's week. goal is
// trimmed and lower-cased; an empty goal is left out of the key. Advice is
// indexed under User so a profile change clears every week.
func Advice(userID string, week time.Time, goal string) string {
	key := UserWeek(userID, week)
	if goal = strings.ToLower(strings.TrimSpace(goal)); goal != "" {
		key += ":goal:" + escape(goal)
	}
	return key
}

// DefaultLibrarySort is the order saved items are listed in when the
// request names none: most recently saved first.
var DefaultLibrarySort = Sort{Desc("savedAt")}

// LibraryPage is the entry key of one page of a user's saved workouts or
// recipes. It is indexed under User.
func LibraryPage(userID string, p Pageable) string {
	return User(userID) + ":" + p.Segment(DefaultLibrarySort)
}

// Period is a leaderboard time bucket.
type Period string

const (
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
	AllTime Period = "alltime"
)

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	switch p {
	case Daily, Weekly, Monthly, AllTime:
		return true
	}
	return false
}

// Start returns the first instant (UTC) of the bucket containing t.
func (p Period) Start(t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case Weekly:
		return WeekStart(t)
	case Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case AllTime:
		return time.Time{}
	default:
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
}

// Board is the index key of every cached view of one leaderboard period.
func Board(board string, period Period) string {
	return "board:" + escape(board) + ":" + escape(string(period))
}

// Leaderboard is the entry key of the top limit rows of a board for the
// bucket containing at. It is indexed under Board.
func Leaderboard(board string, period Period, at time.Time, limit int) string {
	key := Board(board, period)
	if period != AllTime {
		key += ":start:" + period.Start(at).Format(dateLayout)
	}
	return key + ":top:" + strconv.Itoa(limit)
}

// NormalizeQuery trims, lower-cases and collapses whitespace in a search query.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// SearchIndex is the index key of all cached food searches.
func SearchIndex() string {
	return "search"
}

// Search is the entry key of one page of food search results. Queries that
// normalize to the same text share a key; long queries are hashed.
func Search(query string, p Pageable) string {
	q := NormalizeQuery(query)
	var part string
	if len(q) > maxQueryLen {
		part = "h:" + strconv.FormatUint(xxhash.Sum64String(q), 16)
	} else {
		part = "q:" + escape(q)
	}
	return "search:" + part + ":" + p.Segment(nil)
}

// FoodSource is the index key of every item cached from one upstream source.
func FoodSource(source string) string {
	return "source:" + escape(strings.ToLower(source))
}

// FoodItem is the entry key of a single food item. It is indexed under
// FoodSource.
func FoodItem(source, id string) string {
	return "food:" + escape(strings.ToLower(source)) + ":" + escape(id)
}
