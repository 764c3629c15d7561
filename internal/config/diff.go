package config

import (
	"reflect"
	"sort"
	"strings"

	logx "svitlobot/pkg/logx"
)

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// RestartRequired lists changed settings that only take effect after a restart.
	RestartRequired []string
	// Attrs are safe log fields; secrets are never included.
	Attrs []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares oldCfg and newCfg. Nil configs compare as empty.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, fields...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.LogChat != nt.LogChat ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.AdminIDs, nt.AdminIDs) {
		mark("telegram",
			logx.Int("telegram.admin_count", len(nt.AdminIDs)),
			logx.Bool("telegram.log_chat_set", nt.LogChat != 0),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
		)
		if ot.Token != nt.Token {
			ch.RestartRequired = append(ch.RestartRequired, "telegram.token")
		}
		if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) {
			ch.RestartRequired = append(ch.RestartRequired, "telegram.poll_timeout")
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}

	osc, nsc := oldCfg.Scheduler, newCfg.Scheduler
	if osc != nsc {
		mark("scheduler",
			logx.String("scheduler.timezone", nsc.Timezone),
			logx.String("scheduler.reminder_lead", nsc.ReminderLead),
			logx.String("scheduler.maintenance_cron", nsc.MaintenanceCron),
		)
		if strings.TrimSpace(osc.Timezone) != strings.TrimSpace(nsc.Timezone) {
			ch.RestartRequired = append(ch.RestartRequired, "scheduler.timezone")
		}
		if osc.Tick != nsc.Tick || osc.ReminderLead != nsc.ReminderLead ||
			osc.MaintenanceCron != nsc.MaintenanceCron || osc.RetainDays != nsc.RetainDays {
			ch.RestartRequired = append(ch.RestartRequired, "scheduler")
		}
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		te := TaskEngineConfig{}
		if newCfg.TaskEngine != nil {
			te = *newCfg.TaskEngine
		}
		mark("task_engine",
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
			logx.String("task_engine.default_timeout", te.DefaultTimeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		n := NotifierConfig{}
		if newCfg.Notifier != nil {
			n = *newCfg.Notifier
		}
		mark("notifier",
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.String("notifier.send_timeout", n.SendTimeout),
			logx.Bool("notifier.announce_updates", n.AnnounceUpdates),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		var driver string
		var pathSet bool
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
			pathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
		}
		mark("storage", logx.String("storage.driver", driver), logx.Bool("storage.path_set", pathSet))
		ch.RestartRequired = append(ch.RestartRequired, "storage")
	}

	if !reflect.DeepEqual(oldCfg.Bot, newCfg.Bot) {
		mark("bot",
			logx.Int("bot.max_subscriptions", newCfg.Bot.MaxSubscriptions),
			logx.Int("bot.companies", len(newCfg.Bot.Companies)),
			logx.Int("bot.queues", len(newCfg.Bot.Queues)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Diagnostics, newCfg.Diagnostics) {
		d := DiagnosticsConfig{}
		if newCfg.Diagnostics != nil {
			d = *newCfg.Diagnostics
		}
		mark("diagnostics",
			logx.Bool("diagnostics.enabled", d.Enabled),
			logx.String("diagnostics.addr", d.Addr),
			logx.Bool("diagnostics.token_set", d.Token != ""),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.RestartRequired)
	return ch
}
