package schedule

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"svitlobot/internal/outage"
	logx "svitlobot/pkg/logx"
)

// DefaultMaintenanceSpec runs one minute after local midnight.
const DefaultMaintenanceSpec = "1 0 * * *"

// Pruner deletes windows dated before date.
type Pruner interface {
	PruneSchedulesBefore(ctx context.Context, date string) (int64, error)
}

// Maintenance runs the daily housekeeping: drop old windows, then rebuild so
// the new day starts from a fresh job set.
type Maintenance struct {
	mu         sync.Mutex
	spec       string
	loc        *time.Location
	retainDays int
	timeout    time.Duration
	pruner     Pruner
	rebuilder  *Rebuilder
	log        logx.Logger
	now        func() time.Time

	c *cron.Cron
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewMaintenance validates spec and prepares (but does not start) the cron.
func NewMaintenance(spec string, retainDays int, loc *time.Location, pruner Pruner, rb *Rebuilder, log logx.Logger) (*Maintenance, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultMaintenanceSpec
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return nil, fmt.Errorf("maintenance cron %q: %w", spec, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	if retainDays < 0 {
		retainDays = 0
	}
	return &Maintenance{
		spec:       spec,
		loc:        loc,
		retainDays: retainDays,
		timeout:    2 * time.Minute,
		pruner:     pruner,
		rebuilder:  rb,
		log:        log,
		now:        time.Now,
	}, nil
}

func (m *Maintenance) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return
	}
	m.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(m.loc))
	// spec was validated in NewMaintenance.
	_, _ = m.c.AddFunc(m.spec, func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("maintenance panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := m.RunOnce(ctx); err != nil {
			m.log.Error("maintenance failed", logx.Err(err))
		}
	})
	m.c.Start()
	m.log.Info("maintenance scheduled", logx.String("spec", m.spec), logx.String("tz", m.loc.String()), logx.Int("retain_days", m.retainDays))
}

func (m *Maintenance) Stop(ctx context.Context) {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Next returns the next planned run, if started.
func (m *Maintenance) Next() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c == nil {
		return time.Time{}, false
	}
	entries := m.c.Entries()
	if len(entries) == 0 {
		return time.Time{}, false
	}
	return entries[0].Next, true
}

// RunOnce prunes windows older than the retention period and rebuilds.
// A pruning failure is logged; the rebuild still runs.
func (m *Maintenance) RunOnce(ctx context.Context) error {
	now := m.now().In(m.loc)
	if m.pruner != nil {
		cutoff := outage.DateOf(now.AddDate(0, 0, -m.retainDays), m.loc)
		n, err := m.pruner.PruneSchedulesBefore(ctx, cutoff)
		if err != nil {
			m.log.Warn("prune failed", logx.String("before", cutoff), logx.Err(err))
		} else if n > 0 {
			m.log.Info("old schedules pruned", logx.String("before", cutoff), logx.Int64("rows", n))
		}
	}
	if m.rebuilder == nil {
		return nil
	}
	_, err := m.rebuilder.Rebuild(ctx, now)
	return err
}
