package notifier

import (
	"time"

	"svitlobot/internal/outage"
)

// Config controls delivery pacing.
type Config struct {
	// RatePerSec caps outbound messages across all users.
	RatePerSec int
	// SendTimeout bounds a single delivery attempt.
	SendTimeout time.Duration
	// AnnounceUpdates enables the "schedule updated" fan-out after uploads.
	AnnounceUpdates bool
	HistorySize     int
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 300
	}
	return c
}

// Result is the outcome of one delivery attempt.
type Result int

const (
	ResultDelivered Result = iota
	// ResultUndeliverable: the user blocked the bot, deleted the account or never started it.
	ResultUndeliverable
	// ResultFailed: transport or timeout error.
	ResultFailed
	// ResultSkipped: nothing to send (unknown kind, empty recipient).
	ResultSkipped
)

func (r Result) String() string {
	switch r {
	case ResultDelivered:
		return "delivered"
	case ResultUndeliverable:
		return "undeliverable"
	case ResultFailed:
		return "failed"
	case ResultSkipped:
		return "skipped"
	}
	return "unknown"
}

// Notice is one notification to render and deliver.
type Notice struct {
	UserID  int64
	Company string
	Queue   string
	Kind    outage.Kind
	Lang    string
	Lead    time.Duration
}

// NotificationEvent is emitted on the event bus for every attempt that reached the transport.
type NotificationEvent struct {
	UserID  int64     `json:"user_id"`
	Kind    string    `json:"kind"`
	Company string    `json:"company"`
	Queue   string    `json:"queue"`
	At      time.Time `json:"at"`
	Result  string    `json:"result"`
	Error   string    `json:"error,omitempty"`
}

type HistoryItem struct {
	At     time.Time
	UserID int64
	Kind   string
	Result Result
}

// Stats counts outcomes since start.
type Stats struct {
	Delivered     uint64
	Undeliverable uint64
	Failed        uint64
	Skipped       uint64
	History       []HistoryItem
}

// AnnounceReport summarizes one update fan-out.
type AnnounceReport struct {
	Recipients    int
	Delivered     int
	Undeliverable int
	Failed        int
}
