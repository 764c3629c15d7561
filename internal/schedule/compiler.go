// Package schedule turns stored outage windows and subscriptions into the
// one-shot notification jobs held by the job store, and keeps that job set in
// sync with the data: every mutation triggers a full, synchronous rebuild.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"svitlobot/internal/outage"
	logx "svitlobot/pkg/logx"
)

// DefaultReminderLead is how long before a boundary the reminder fires.
const DefaultReminderLead = 10 * time.Minute

var (
	ErrMissingField = errors.New("missing field")
	ErrSubscribers  = errors.New("subscriber lookup failed")
)

// Source is the storage view the compiler reads.
type Source interface {
	ListFutureSchedules(ctx context.Context, minDate string) ([]outage.Window, error)
	ListSubscribersWithPrefs(ctx context.Context, company, queue string) ([]outage.Subscriber, error)
}

// RowError records one window (or one subscriber of it) that was left out.
type RowError struct {
	Window outage.Window
	UserID int64
	Err    error
}

func (e RowError) Error() string {
	if e.UserID != 0 {
		return fmt.Sprintf("window %d (%s/%s %s) user %d: %v", e.Window.ID, e.Window.Company, e.Window.Queue, e.Window.Date, e.UserID, e.Err)
	}
	return fmt.Sprintf("window %d (%s/%s %s): %v", e.Window.ID, e.Window.Company, e.Window.Queue, e.Window.Date, e.Err)
}

func (e RowError) Unwrap() error { return e.Err }

// Result is the output of one compile.
type Result struct {
	Jobs    []outage.Job
	Windows int
	Skipped []RowError
}

type Compiler struct {
	src  Source
	loc  *time.Location
	lead time.Duration
	log  logx.Logger
}

func NewCompiler(src Source, loc *time.Location, lead time.Duration, log logx.Logger) *Compiler {
	if loc == nil {
		loc = time.UTC
	}
	if lead <= 0 {
		lead = DefaultReminderLead
	}
	return &Compiler{src: src, loc: loc, lead: lead, log: log}
}

func (c *Compiler) Location() *time.Location { return c.loc }

type subKey struct{ company, queue string }

type candidate struct {
	at   time.Time
	kind outage.Kind
}

// Compile returns every job that fires strictly after now. Per-row problems
// land in Result.Skipped; only a failure to list windows is returned as error.
func (c *Compiler) Compile(ctx context.Context, now time.Time) (Result, error) {
	now = now.In(c.loc)
	windows, err := c.src.ListFutureSchedules(ctx, outage.DateOf(now, c.loc))
	if err != nil {
		return Result{}, fmt.Errorf("list schedules: %w", err)
	}

	res := Result{Windows: len(windows)}
	subsCache := map[subKey][]outage.Subscriber{}
	failedSubs := map[subKey]error{}

	for _, w := range windows {
		if w.Company == "" || w.Queue == "" {
			res.skip(c.log, RowError{Window: w, Err: fmt.Errorf("%w: company/queue", ErrMissingField)})
			continue
		}
		off, on, err := w.Bounds(c.loc)
		if err != nil {
			res.skip(c.log, RowError{Window: w, Err: err})
			continue
		}

		key := subKey{w.Company, w.Queue}
		subs, cached := subsCache[key]
		if !cached {
			if ferr, failed := failedSubs[key]; failed {
				res.skip(c.log, RowError{Window: w, Err: ferr})
				continue
			}
			subs, err = c.src.ListSubscribersWithPrefs(ctx, w.Company, w.Queue)
			if err != nil {
				ferr := fmt.Errorf("%w: %v", ErrSubscribers, err)
				failedSubs[key] = ferr
				res.skip(c.log, RowError{Window: w, Err: ferr})
				continue
			}
			subsCache[key] = subs
		}
		if len(subs) == 0 {
			continue
		}

		cands := [4]candidate{
			{off.Add(-c.lead), outage.ReminderOff},
			{off, outage.NotifyOff},
			{on.Add(-c.lead), outage.ReminderOn},
			{on, outage.NotifyOn},
		}
		for _, sub := range subs {
			if sub.UserID == 0 {
				res.skip(c.log, RowError{Window: w, Err: fmt.Errorf("%w: user id", ErrMissingField)})
				continue
			}
			for _, cd := range cands {
				if !cd.at.After(now) || !sub.Prefs.Enabled(cd.kind) {
					continue
				}
				res.Jobs = append(res.Jobs, outage.Job{
					At:      cd.at,
					UserID:  sub.UserID,
					Company: w.Company,
					Queue:   w.Queue,
					Kind:    cd.kind,
					Lang:    sub.Prefs.Lang(),
					Date:    w.Date,
					Lead:    c.lead,
				})
			}
		}
	}
	return res, nil
}

func (r *Result) skip(log logx.Logger, e RowError) {
	r.Skipped = append(r.Skipped, e)
	log.Warn("schedule row skipped",
		logx.Int64("window", e.Window.ID),
		logx.String("company", e.Window.Company),
		logx.String("queue", e.Window.Queue),
		logx.String("date", e.Window.Date),
		logx.Err(e.Err),
	)
}
