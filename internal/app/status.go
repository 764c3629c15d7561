package app

import (
	"time"

	"svitlobot/internal/config"
	"svitlobot/internal/observability/diag"
)

type rebuildStatus struct {
	Generation string    `json:"generation"`
	At         time.Time `json:"at"`
	Windows    int       `json:"windows"`
	Scheduled  int       `json:"scheduled"`
	Rejected   int       `json:"rejected"`
	Skipped    int       `json:"skipped"`
	Took       string    `json:"took"`
}

type engineStatus struct {
	Enabled   bool   `json:"enabled"`
	Workers   int    `json:"workers"`
	QueueLen  int    `json:"queue_len"`
	QueueCap  int    `json:"queue_cap"`
	InFlight  int    `json:"in_flight"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

type jobsStatus struct {
	Pending  int        `json:"pending"`
	Fired    uint64     `json:"fired"`
	Rejected uint64     `json:"rejected"`
	Next     *time.Time `json:"next,omitempty"`
}

type notifierStatus struct {
	Delivered     uint64 `json:"delivered"`
	Undeliverable uint64 `json:"undeliverable"`
	Failed        uint64 `json:"failed"`
	Skipped       uint64 `json:"skipped"`
}

// Status is what /status serves.
type Status struct {
	Now         time.Time      `json:"now"`
	Uptime      string         `json:"uptime"`
	Timezone    string         `json:"timezone"`
	LastRebuild *rebuildStatus `json:"last_rebuild,omitempty"`
	Jobs        jobsStatus     `json:"jobs"`
	Engine      engineStatus   `json:"engine"`
	Notifier    notifierStatus `json:"notifier"`
	Maintenance *time.Time     `json:"next_maintenance,omitempty"`
}

func (a *App) status() Status {
	now := time.Now().In(a.sched.loc)
	st := Status{
		Now:      now,
		Uptime:   now.Sub(a.started).Round(time.Second).String(),
		Timezone: a.sched.loc.String(),
	}
	if rep, ok := a.rebuild.Last(); ok {
		st.LastRebuild = &rebuildStatus{
			Generation: rep.Generation,
			At:         rep.Now,
			Windows:    rep.Windows,
			Scheduled:  rep.Scheduled,
			Rejected:   rep.Rejected,
			Skipped:    len(rep.Skipped),
			Took:       rep.Took.Round(time.Millisecond).String(),
		}
	}
	js := a.jobs.Stats()
	st.Jobs = jobsStatus{Pending: js.Pending, Fired: js.Fired, Rejected: js.Rejected}
	if !js.Next.IsZero() {
		next := js.Next.In(a.sched.loc)
		st.Jobs.Next = &next
	}
	es := a.engine.Snapshot()
	st.Engine = engineStatus{
		Enabled:   es.Enabled,
		Workers:   es.Workers,
		QueueLen:  es.QueueLen,
		QueueCap:  es.QueueCap,
		InFlight:  es.InFlight,
		Completed: es.Completed,
		Failed:    es.Failed,
		Dropped:   es.Dropped,
	}
	ns := a.notif.Stats()
	st.Notifier = notifierStatus{
		Delivered:     ns.Delivered,
		Undeliverable: ns.Undeliverable,
		Failed:        ns.Failed,
		Skipped:       ns.Skipped,
	}
	if next, ok := a.maint.Next(); ok {
		st.Maintenance = &next
	}
	return st
}

func mapDiagConfig(cfg *config.Config) diag.Config {
	if cfg.Diagnostics == nil {
		return diag.Config{}
	}
	return diag.Config{
		Enabled: cfg.Diagnostics.Enabled,
		Addr:    cfg.Diagnostics.Addr,
		Token:   cfg.Diagnostics.Token,
	}
}
