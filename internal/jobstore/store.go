// Package jobstore is a time-ordered store of one-shot tasks.
//
// Entries are kept in a min-heap keyed by fire-time and indexed by key, so
// re-registering a key replaces the previous entry. A single driver loop (Run)
// pops every due entry and hands it to an Executor; the mutex guarding the heap
// is never held while a task runs.
//
// Past instants are dropped. ScheduleAt refuses an instant that is not strictly
// after the store clock. ScheduleAtFrom judges the instant against a caller's
// reference time instead, so a batch compiled against one "now" is registered
// whole even if the clock moved on meanwhile; an entry that is already due
// fires on the next driver scan. Either way an instant at or before the last
// driver scan is refused: that moment has been handled and re-adding it could
// fire a job twice. Refusals return ErrPastInstant.
package jobstore

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"svitlobot/internal/eventbus"
	"svitlobot/internal/task/engine"
	logx "svitlobot/pkg/logx"
)

var (
	ErrPastInstant = errors.New("jobstore: instant is not in the future")
	ErrInvalidKey  = errors.New("jobstore: empty key")
	ErrNilTask     = errors.New("jobstore: nil task")
)

const (
	defaultTick    = time.Second
	defaultTimeout = 30 * time.Second
)

// Task is the work attached to an entry.
type Task func(ctx context.Context) error

// Executor runs due tasks off the driver goroutine. *engine.Service satisfies it.
type Executor interface {
	Enqueue(t engine.Task) error
}

// Entry is a read-only view of a pending registration.
type Entry struct {
	Key string
	At  time.Time
}

// FiredEvent is published on the bus when an entry is handed off for execution.
type FiredEvent struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Fired time.Time `json:"fired"`
	Error string    `json:"error,omitempty"`
}

type Option func(*Store)

// WithClock replaces time.Now. Tests use it to pin "now".
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithExecutor routes due tasks to ex. Without one each task gets its own goroutine.
func WithExecutor(ex Executor) Option { return func(s *Store) { s.exec = ex } }

func WithLogger(log logx.Logger) Option { return func(s *Store) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Store) { s.bus = bus } }

// WithTick bounds how long the driver sleeps between scans.
func WithTick(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithTaskTimeout bounds a single task run when no executor is configured.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.taskTimeout = d
		}
	}
}

type Store struct {
	mu    sync.Mutex
	h     entryHeap
	byKey map[string]*entry

	now         func() time.Time
	exec        Executor
	log         logx.Logger
	bus         eventbus.Bus
	tick        time.Duration
	taskTimeout time.Duration

	wake    chan struct{}
	scanned time.Time // latest FireDue instant; guarded by mu

	fired    atomic.Uint64
	rejected atomic.Uint64
}

func New(opts ...Option) *Store {
	s := &Store{
		byKey:       map[string]*entry{},
		now:         time.Now,
		tick:        defaultTick,
		taskTimeout: defaultTimeout,
		wake:        make(chan struct{}, 1),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Now returns the store clock.
func (s *Store) Now() time.Time { return s.now() }

// Clear removes every pending entry and returns how many were removed.
// Tasks already handed to the executor are not affected.
func (s *Store) Clear() int {
	s.mu.Lock()
	n := len(s.h)
	for i := range s.h {
		s.h[i] = nil
	}
	s.h = s.h[:0]
	s.byKey = map[string]*entry{}
	s.mu.Unlock()
	s.signal()
	return n
}

// ScheduleAt registers task to run once at `at`. An existing entry with the
// same key is replaced.
func (s *Store) ScheduleAt(key string, at time.Time, task Task) error {
	return s.schedule(time.Time{}, key, at, task)
}

// ScheduleAtFrom is ScheduleAt with `at` judged against ref rather than the
// store clock.
func (s *Store) ScheduleAtFrom(ref time.Time, key string, at time.Time, task Task) error {
	if ref.IsZero() {
		return s.ScheduleAt(key, at, task)
	}
	return s.schedule(ref, key, at, task)
}

func (s *Store) schedule(ref time.Time, key string, at time.Time, task Task) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidKey
	}
	if task == nil {
		return ErrNilTask
	}

	s.mu.Lock()
	if ref.IsZero() {
		ref = s.now()
	}
	if !at.After(ref) || !at.After(s.scanned) {
		s.mu.Unlock()
		s.rejected.Add(1)
		return fmt.Errorf("%w: %s at %s", ErrPastInstant, key, at.Format(time.RFC3339))
	}
	if e, ok := s.byKey[key]; ok {
		e.at = at
		e.task = task
		heap.Fix(&s.h, e.index)
	} else {
		e := &entry{key: key, at: at, task: task}
		heap.Push(&s.h, e)
		s.byKey[key] = e
	}
	s.mu.Unlock()
	s.signal()
	return nil
}

// Remove drops a pending entry. It reports whether the key was pending.
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(&s.h, e.index)
	delete(s.byKey, key)
	return true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.h)
}

// Pending returns every pending entry ordered by fire-time, then key.
func (s *Store) Pending() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.h))
	for _, e := range s.h {
		out = append(out, Entry{Key: e.key, At: e.at})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Next returns the earliest pending fire-time.
func (s *Store) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.h) == 0 {
		return time.Time{}, false
	}
	return s.h[0].at, true
}

// Stats is a diagnostics view.
type Stats struct {
	Pending  int
	Fired    uint64
	Rejected uint64
	Next     time.Time
}

func (s *Store) Stats() Stats {
	next, _ := s.Next()
	return Stats{Pending: s.Len(), Fired: s.fired.Load(), Rejected: s.rejected.Load(), Next: next}
}

// Run drives the store until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	s.log.Info("job store driver started", logx.Duration("tick", s.tick))
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("job store driver stopped", logx.Int("pending", s.Len()))
			return nil
		case <-timer.C:
		case <-s.wake:
		}

		s.FireDue(ctx)

		wait := s.tick
		if next, ok := s.Next(); ok {
			if d := next.Sub(s.now()); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

// FireDue pops every entry whose instant has elapsed and dispatches it.
// It returns the number of entries dispatched.
func (s *Store) FireDue(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	if now.After(s.scanned) {
		s.scanned = now
	}
	var due []*entry
	for len(s.h) > 0 && !s.h[0].at.After(now) {
		e := heap.Pop(&s.h).(*entry)
		delete(s.byKey, e.key)
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.dispatch(ctx, e, now)
	}
	return len(due)
}

func (s *Store) dispatch(ctx context.Context, e *entry, now time.Time) {
	s.fired.Add(1)
	ev := FiredEvent{Key: e.key, At: e.at, Fired: now}

	if s.exec != nil {
		err := s.exec.Enqueue(engine.Task{Name: "job:" + e.key, Run: e.task})
		if err != nil {
			ev.Error = err.Error()
			s.log.Warn("job dropped", logx.String("key", e.key), logx.Err(err))
		}
		s.publish(ev)
		return
	}

	s.publish(ev)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job panicked", logx.String("key", e.key), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.taskTimeout)
		defer cancel()
		if err := e.task(runCtx); err != nil {
			s.log.Warn("job failed", logx.String("key", e.key), logx.Err(err))
		}
	}()
}

func (s *Store) publish(ev FiredEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFired, Time: ev.Fired, Data: ev})
	}
}

func (s *Store) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

type entry struct {
	key   string
	at    time.Time
	task  Task
	index int
}

// entryHeap implements heap.Interface ordered by fire-time.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].key < h[j].key
	}
	return h[i].at.Before(h[j].at)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
