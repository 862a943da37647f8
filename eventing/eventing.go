package eventing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Headers carry trace context and caller metadata with an event. They satisfy
// propagation.TextMapCarrier.
type Headers map[string]string

func (h Headers) Get(key string) string {
	return h[key]
}

func (h Headers) Set(key string, value string) {
	h[key] = value
}

func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

// Kind names what changed.
type Kind string

const (
	// KindProfileUpdated is published after a user's profile changes.
	KindProfileUpdated Kind = "profile.updated"
	// KindLibraryChanged is published after an item is saved to or removed
	// from a user's workout or recipe library.
	KindLibraryChanged Kind = "library.changed"
	// KindScoreRecorded is published after a score lands on a leaderboard.
	KindScoreRecorded Kind = "score.recorded"
)

// Event describes a mutation that makes cached data stale. Only the fields
// relevant to its Kind are set.
type Event struct {
	ID      string    `msgpack:"id"`
	Kind    Kind      `msgpack:"kind"`
	At      time.Time `msgpack:"at"`
	UserID  string    `msgpack:"user,omitempty"`
	Library string    `msgpack:"library,omitempty"`
	Board   string    `msgpack:"board,omitempty"`
	Period  string    `msgpack:"period,omitempty"`
	Headers Headers   `msgpack:"headers,omitempty"`
}

func newEvent(kind Kind) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		At:      time.Now().UTC(),
		Headers: Headers{},
	}
}

// ProfileUpdated returns the event for a changed user profile.
func ProfileUpdated(userID string) Event {
	ev := newEvent(KindProfileUpdated)
	ev.UserID = userID
	return ev
}

// LibraryChanged returns the event for a changed saved-item library.
func LibraryChanged(userID, library string) Event {
	ev := newEvent(KindLibraryChanged)
	ev.UserID = userID
	ev.Library = library
	return ev
}

// ScoreRecorded returns the event for a new score on board for period.
func ScoreRecorded(board, period string) Event {
	ev := newEvent(KindScoreRecorded)
	ev.Board = board
	ev.Period = period
	return ev
}

type Handler func(ctx context.Context, ev Event) error

type Subscriber interface {
	// Close stops the subscriber
	Close() error
}

type PublishOption func(*publishOptions)

type publishOptions struct {
	Headers [][]string
}

func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) {
		o.Headers = append(o.Headers, []string{key, value})
	}
}

// Publisher is the half of a Bus that feature services need.
type Publisher interface {
	// Publish sends ev to every subscriber
	Publish(ctx context.Context, ev Event, opts ...PublishOption) error
}

// Bus delivers events to every subscriber of every process.
type Bus interface {
	Publisher
	// Subscribe calls h for every event published after it returns
	Subscribe(ctx context.Context, h Handler) (Subscriber, error)
	// Close closes the bus
	Close() error
}
