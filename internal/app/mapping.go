package app

import (
	"fmt"
	"strings"
	"time"

	"svitlobot/internal/bot"
	"svitlobot/internal/config"
	"svitlobot/internal/notifier"
	"svitlobot/internal/outage"
	"svitlobot/internal/schedule"
	"svitlobot/internal/storage"
	"svitlobot/internal/task/engine"
	logx "svitlobot/pkg/logx"
)

// DefaultDBPath is used when the config has no storage section.
const DefaultDBPath = "./data/svitlobot.db"

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "sqlite", Path: DefaultDBPath}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = DefaultDBPath
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     true,
		Workers:     4,
		QueueSize:   512,
		HistorySize: 200,
		GroupLimits: map[string]int{bot.AnnounceGroup: 1},
	}
	te := cfg.TaskEngine
	if te == nil {
		out.DefaultTimeout = time.Minute
		return out, nil
	}
	if te.AnnounceConcurrency > 0 {
		out.GroupLimits[bot.AnnounceGroup] = te.AnnounceConcurrency
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationOrDefault("task_engine.default_timeout", te.DefaultTimeout, time.Minute); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationOrDefault("task_engine.max_queue_delay", te.MaxQueueDelay, 0); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc == nil {
		return notifier.Config{AnnounceUpdates: true}, nil
	}
	timeout, err := config.ParseDurationOrDefault("notifier.send_timeout", nc.SendTimeout, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RatePerSec:      nc.RatePerSec,
		SendTimeout:     timeout,
		AnnounceUpdates: nc.AnnounceUpdates,
		HistorySize:     nc.HistorySize,
	}, nil
}

func mapBotConfig(cfg *config.Config) bot.Config {
	return bot.Config{
		MaxSubscriptions: cfg.Bot.MaxSubscriptions,
		Companies:        upper(cfg.Bot.Companies),
		Queues:           cfg.Bot.Queues,
	}
}

func upper(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return out
}

// schedulerSettings are fixed for the process lifetime.
type schedulerSettings struct {
	loc        *time.Location
	tick       time.Duration
	lead       time.Duration
	cron       string
	retainDays int
	pollTO     time.Duration
}

func mapSchedulerSettings(cfg *config.Config) (schedulerSettings, error) {
	var s schedulerSettings
	loc, err := outage.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return s, fmt.Errorf("scheduler.timezone: %w", err)
	}
	s.loc = loc
	if s.tick, err = config.ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, time.Second); err != nil {
		return s, err
	}
	if s.lead, err = config.ParseDurationOrDefault("scheduler.reminder_lead", cfg.Scheduler.ReminderLead, schedule.DefaultReminderLead); err != nil {
		return s, err
	}
	if s.pollTO, err = config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second); err != nil {
		return s, err
	}
	s.cron = strings.TrimSpace(cfg.Scheduler.MaintenanceCron)
	if s.cron == "" {
		s.cron = schedule.DefaultMaintenanceSpec
	}
	s.retainDays = cfg.Scheduler.RetainDays
	if s.retainDays == 0 {
		s.retainDays = 7
	}
	return s, nil
}
