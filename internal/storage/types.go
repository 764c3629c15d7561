package storage

import (
	"context"
	"errors"
	"time"

	"svitlobot/internal/outage"
)

var (
	ErrDisabled          = errors.New("storage disabled")
	ErrSubscriptionLimit = errors.New("subscription limit reached")
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrUnknownKind       = errors.New("unknown notification kind")
)

// DefaultMaxSubscriptions caps subscriptions per user when the caller passes 0.
const DefaultMaxSubscriptions = 5

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file at Path
//
// Path ":memory:" keeps everything in a single in-process connection.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the persistence API used by the scheduling core and the bot.
// Dates are civil "YYYY-MM-DD" strings in the reference timezone.
type Store interface {
	// ListFutureSchedules returns every window dated on or after minDate.
	ListFutureSchedules(ctx context.Context, minDate string) ([]outage.Window, error)
	// ListSubscribersWithPrefs returns subscribers of (company, queue) joined
	// with their preferences; users without a preferences row get defaults.
	ListSubscribersWithPrefs(ctx context.Context, company, queue string) ([]outage.Subscriber, error)
	// ReplaceSchedules deletes every window of (company, date) and inserts rows, atomically.
	ReplaceSchedules(ctx context.Context, company, date string, rows []outage.Window) error
	SchedulesFor(ctx context.Context, company, queue, date string) ([]outage.Window, error)
	PruneSchedulesBefore(ctx context.Context, date string) (int64, error)

	Subscribe(ctx context.Context, userID int64, company, queue string, max int) error
	Unsubscribe(ctx context.Context, userID int64, company, queue string) (bool, error)
	ListSubscriptions(ctx context.Context, userID int64) ([]outage.Subscription, error)

	Preferences(ctx context.Context, userID int64) (outage.Preferences, error)
	SetLanguage(ctx context.Context, userID int64, lang string) error
	SetToggle(ctx context.Context, userID int64, kind outage.Kind, enabled bool) error

	TechMode(ctx context.Context) (bool, error)
	SetTechMode(ctx context.Context, on bool) error

	Close() error
}
