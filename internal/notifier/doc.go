// Package notifier renders outage notifications and delivers them to users.
//
// Delivery is best-effort: every attempt has its own timeout, failures are
// classified (recipient unavailable vs. anything else), logged and published on
// the event bus, and never retried or returned to the caller. A reminder that
// missed its moment has no value later.
//
// The package also fans out "schedule updated" announcements to subscribers of
// queues touched by an admin upload.
package notifier
