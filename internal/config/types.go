package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("10s", "2m"); empty means the component default.
type Config struct {
	Telegram   TelegramConfig    `json:"telegram"`
	Logging    LoggingConfig     `json:"logging"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Notifier   *NotifierConfig   `json:"notifier,omitempty"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	Bot        BotConfig         `json:"bot"`

	Diagnostics *DiagnosticsConfig `json:"diagnostics,omitempty"`
}

type TelegramConfig struct {
	Token    string  `json:"token" validate:"required"`
	AdminIDs []int64 `json:"admin_ids" validate:"dive,gt=0"`
	// LogChat receives forwarded log lines when logging.telegram is enabled.
	LogChat     int64  `json:"log_chat,omitempty"`
	PollTimeout string `json:"poll_timeout" validate:"omitempty,duration"`
}

type LoggingConfig struct {
	Level   string `json:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
	Telegram struct {
		Enabled    bool   `json:"enabled"`
		MinLevel   string `json:"min_level" validate:"omitempty,oneof=debug info warn warning error"`
		RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
	} `json:"telegram"`
}

type SchedulerConfig struct {
	// Timezone is the reference zone for dates and clock times.
	Timezone string `json:"timezone" validate:"omitempty,tzname"`
	// Tick bounds how long the job store driver sleeps between checks.
	Tick            string `json:"tick" validate:"omitempty,duration"`
	ReminderLead    string `json:"reminder_lead" validate:"omitempty,duration"`
	MaintenanceCron string `json:"maintenance_cron" validate:"omitempty,cronspec"`
	RetainDays      int    `json:"retain_days" validate:"gte=0"`
}

type TaskEngineConfig struct {
	// Enabled defaults to true when omitted.
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers" validate:"gte=0,lte=64"`
	QueueSize      int    `json:"queue_size" validate:"gte=0"`
	DefaultTimeout string `json:"default_timeout" validate:"omitempty,duration"`
	MaxQueueDelay  string `json:"max_queue_delay" validate:"omitempty,duration"`
	HistorySize    int    `json:"history_size" validate:"gte=0"`

	// AnnounceConcurrency caps concurrent "schedule updated" fan-outs; 0 means 1.
	AnnounceConcurrency int `json:"announce_concurrency" validate:"gte=0"`
}

type NotifierConfig struct {
	RatePerSec      int    `json:"rate_per_sec" validate:"gte=0"`
	SendTimeout     string `json:"send_timeout" validate:"omitempty,duration"`
	AnnounceUpdates bool   `json:"announce_updates"`
	HistorySize     int    `json:"history_size,omitempty" validate:"gte=0"`
}

type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=sqlite sqlite3"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout" validate:"omitempty,duration"`
}

// BotConfig holds the command-level settings.
type BotConfig struct {
	MaxSubscriptions int `json:"max_subscriptions" validate:"gte=0"`
	// Companies lists accepted company codes; empty accepts any.
	Companies []string `json:"companies,omitempty" validate:"dive,required"`
	// Queues lists accepted queue names; empty accepts any.
	Queues []string `json:"queues,omitempty" validate:"dive,required"`
}

// DiagnosticsConfig enables the local status/profiling HTTP endpoint.
type DiagnosticsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr" validate:"omitempty,hostname_port"`
	Token   string `json:"token,omitempty"`
}
