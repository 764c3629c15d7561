// Package outage holds the data model shared by the scheduling core: outage
// windows, subscriptions, per-user notification preferences and the one-shot
// jobs compiled from them.
package outage

import (
	"fmt"
	"time"
)

// DefaultLanguage is used when a user never picked one.
const DefaultLanguage = "uk"

// Window is one outage period for a (company, queue) on a civil date.
// Date is "YYYY-MM-DD"; OffTime and OnTime are "HH:MM" (OffTime/OnTime may be "24:00").
type Window struct {
	ID        int64
	Company   string
	Queue     string
	Date      string
	OffTime   string
	OnTime    string
	CreatedAt time.Time
}

// Subscription ties a user to one (company, queue).
type Subscription struct {
	ID      int64
	UserID  int64
	Company string
	Queue   string
}

// Preferences are per-user notification settings.
// A user without a stored record behaves exactly like DefaultPreferences().
type Preferences struct {
	Language    string
	NotifyOff   bool // at outage start
	NotifyOn    bool // at outage end
	NotifyOff10 bool // lead time before outage start
	NotifyOn10  bool // lead time before outage end
}

func DefaultPreferences() Preferences {
	return Preferences{
		Language:    DefaultLanguage,
		NotifyOff:   true,
		NotifyOn:    true,
		NotifyOff10: true,
		NotifyOn10:  true,
	}
}

// Enabled reports whether the toggle gating kind is on.
func (p Preferences) Enabled(k Kind) bool {
	switch k {
	case ReminderOff:
		return p.NotifyOff10
	case NotifyOff:
		return p.NotifyOff
	case ReminderOn:
		return p.NotifyOn10
	case NotifyOn:
		return p.NotifyOn
	default:
		return false
	}
}

// Lang returns the preferred language, falling back to DefaultLanguage.
func (p Preferences) Lang() string {
	if p.Language == "" {
		return DefaultLanguage
	}
	return p.Language
}

// Subscriber is a subscribed user joined with their (possibly defaulted) preferences.
type Subscriber struct {
	UserID int64
	Prefs  Preferences
}

// Kind is the message kind of a scheduled notification.
type Kind string

const (
	ReminderOff Kind = "reminder_off"
	NotifyOff   Kind = "notify_off"
	ReminderOn  Kind = "reminder_on"
	NotifyOn    Kind = "notify_on"
)

// Kinds lists every message kind in firing order within one window.
var Kinds = []Kind{ReminderOff, NotifyOff, ReminderOn, NotifyOn}

func (k Kind) Valid() bool {
	switch k {
	case ReminderOff, NotifyOff, ReminderOn, NotifyOn:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

// Job is a compiled one-shot notification. It lives only in memory.
type Job struct {
	At      time.Time
	UserID  int64
	Company string
	Queue   string
	Kind    Kind
	Lang    string
	// Date is the civil date of the source window, kept for stable keys.
	Date string
	// Lead is how far a reminder fires ahead of its boundary.
	Lead time.Duration
}

// Key identifies a job across rebuilds: the same inputs always yield the same key.
func (j Job) Key() string {
	return fmt.Sprintf("%d|%s|%s|%s|%s|%s", j.UserID, j.Company, j.Queue, j.Date, j.At.Format("15:04"), j.Kind)
}
