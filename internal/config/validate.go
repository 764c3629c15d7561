package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"svitlobot/internal/outage"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// cronParser accepts the same syntax as the maintenance scheduler.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		// error paths use the json names users see in the file
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			d, err := time.ParseDuration(strings.TrimSpace(fl.Field().String()))
			return err == nil && d >= 0
		})
		_ = v.RegisterValidation("tzname", func(fl validator.FieldLevel) bool {
			_, err := outage.LoadLocation(strings.TrimSpace(fl.Field().String()))
			return err == nil
		})
		_ = v.RegisterValidation("cronspec", func(fl validator.FieldLevel) bool {
			_, err := cronParser.Parse(strings.TrimSpace(fl.Field().String()))
			return err == nil
		})
		validate = v
	})
	return validate
}

// Validate checks field constraints and cross-field rules.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", trimRoot(fe.Namespace()), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Logging.Telegram.Enabled && cfg.Telegram.LogChat == 0 {
		return errors.New("invalid config: logging.telegram.enabled requires telegram.log_chat")
	}
	if cfg.Storage != nil && strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("invalid config: storage.path is required")
	}
	return nil
}

func trimRoot(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// ParseDurationOrDefault parses a validated duration string; empty or zero yields def.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
