// Package storage persists outage schedules, subscriptions, user preferences
// and bot settings.
//
// The only backend is SQLite (pure-Go modernc.org/sqlite). The schema lives in
// migrations.sql and is applied on every open; statements are idempotent.
package storage
