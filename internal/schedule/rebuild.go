package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"svitlobot/internal/eventbus"
	"svitlobot/internal/jobstore"
	"svitlobot/internal/outage"
	logx "svitlobot/pkg/logx"
)

// JobStore is the part of the job store a rebuild needs.
type JobStore interface {
	Clear() int
	ScheduleAtFrom(ref time.Time, key string, at time.Time, task jobstore.Task) error
}

// Dispatcher delivers a job when it fires. It must not return delivery errors.
type Dispatcher interface {
	Dispatch(ctx context.Context, job outage.Job)
}

// Report describes one successful rebuild.
type Report struct {
	Generation string
	Now        time.Time
	Windows    int
	Compiled   int
	Scheduled  int
	Cleared    int
	Rejected   int
	Skipped    []RowError
	Took       time.Duration
}

type Rebuilder struct {
	mu       sync.Mutex
	compiler *Compiler
	store    JobStore
	dispatch Dispatcher
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time

	lmu     sync.Mutex
	last    Report
	hasLast bool
}

type RebuilderOption func(*Rebuilder)

// WithClock replaces time.Now for RebuildNow.
func WithClock(now func() time.Time) RebuilderOption {
	return func(r *Rebuilder) {
		if now != nil {
			r.now = now
		}
	}
}

func WithBus(bus eventbus.Bus) RebuilderOption { return func(r *Rebuilder) { r.bus = bus } }

func NewRebuilder(c *Compiler, store JobStore, d Dispatcher, log logx.Logger, opts ...RebuilderOption) *Rebuilder {
	r := &Rebuilder{compiler: c, store: store, dispatch: d, log: log, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RebuildNow captures the current instant once and rebuilds against it.
func (r *Rebuilder) RebuildNow(ctx context.Context) (Report, error) {
	return r.Rebuild(ctx, r.now().In(r.compiler.Location()))
}

// Rebuild replaces every pending job with a fresh compile against now.
// Jobs are registered against the same now, so one that fell due while the
// rebuild ran fires on the next driver scan instead of being lost.
// Calls are serialized; the last one to run wins. When compiling fails the
// pending jobs are left untouched and the error is returned.
func (r *Rebuilder) Rebuild(ctx context.Context, now time.Time) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	gen := uuid.NewString()
	log := r.log.With(logx.String("gen", gen))

	res, err := r.compiler.Compile(ctx, now)
	if err != nil {
		log.Error("rebuild failed; keeping previous jobs", logx.Err(err))
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Type: eventbus.TypeRebuildFailed, Data: err.Error()})
		}
		return Report{}, err
	}

	rep := Report{
		Generation: gen,
		Now:        now,
		Windows:    res.Windows,
		Compiled:   len(res.Jobs),
		Skipped:    res.Skipped,
	}
	rep.Cleared = r.store.Clear()
	for _, j := range res.Jobs {
		job := j
		err := r.store.ScheduleAtFrom(now, job.Key(), job.At, func(ctx context.Context) error {
			r.dispatch.Dispatch(ctx, job)
			return nil
		})
		switch {
		case err == nil:
			rep.Scheduled++
		case errors.Is(err, jobstore.ErrPastInstant):
			// the driver already handled this instant
			rep.Rejected++
		default:
			rep.Rejected++
			log.Warn("job not scheduled", logx.String("key", job.Key()), logx.Err(err))
		}
	}
	rep.Took = time.Since(start)

	log.Info("rebuild done",
		logx.Time("now", now),
		logx.Int("windows", rep.Windows),
		logx.Int("scheduled", rep.Scheduled),
		logx.Int("cleared", rep.Cleared),
		logx.Int("rejected", rep.Rejected),
		logx.Int("skipped_rows", len(rep.Skipped)),
		logx.Duration("took", rep.Took),
	)
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeRebuildDone, Data: rep})
	}

	r.lmu.Lock()
	r.last, r.hasLast = rep, true
	r.lmu.Unlock()
	return rep, nil
}

// Last returns the most recent successful report.
func (r *Rebuilder) Last() (Report, bool) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	return r.last, r.hasLast
}
