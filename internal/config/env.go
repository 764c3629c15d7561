package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces environment overrides, e.g. SVITLOBOT_TELEGRAM_TOKEN.
const EnvPrefix = "SVITLOBOT"

// envOverrides lets deployments keep secrets and paths out of the config file.
// Set values win over the file.
type envOverrides struct {
	Token    string  `envconfig:"TELEGRAM_TOKEN"`
	AdminIDs []int64 `envconfig:"ADMIN_IDS"`
	DBPath   string  `envconfig:"DB_PATH"`
	LogLevel string  `envconfig:"LOG_LEVEL"`
	Timezone string  `envconfig:"TIMEZONE"`
}

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	if s := strings.TrimSpace(env.Token); s != "" {
		cfg.Telegram.Token = s
	}
	if len(env.AdminIDs) > 0 {
		cfg.Telegram.AdminIDs = env.AdminIDs
	}
	if s := strings.TrimSpace(env.DBPath); s != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		cfg.Storage.Path = s
	}
	if s := strings.TrimSpace(env.LogLevel); s != "" {
		cfg.Logging.Level = s
	}
	if s := strings.TrimSpace(env.Timezone); s != "" {
		cfg.Scheduler.Timezone = s
	}
	return nil
}
