package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// CronParser accepts 5- or 6-field specs and descriptors such as "@hourly".
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks every field that would otherwise fail later at wiring time.
func (c *Config) Validate() error {
	if c == nil {
		return invalid("config is nil")
	}

	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if s := strings.TrimSpace(c.Telegram.OperatorChat); s != "" {
		if _, err := strconv.ParseInt(s, 10, 64); err != nil {
			return invalid("telegram.operator_chat must be a numeric chat id")
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Provider.Driver)) {
	case "", "dryrun":
	case "telegram":
		if strings.TrimSpace(c.Telegram.Token) == "" {
			return invalid("provider.driver=telegram requires telegram.token")
		}
	default:
		return invalid("unknown provider.driver %q", c.Provider.Driver)
	}
	if c.Provider.DryRun.ThrottleEvery < 0 {
		return invalid("provider.dryrun.throttle_every must be >= 0")
	}
	if _, err := ParseDurationField("provider.dryrun.latency", c.Provider.DryRun.Latency); err != nil {
		return err
	}

	if c.Control.Telegram && strings.TrimSpace(c.Telegram.Token) == "" {
		return invalid("control.telegram requires telegram.token")
	}
	if c.Logging.Chat.RatePerSec < 0 || c.Notifier.RatePerSec < 0 {
		return invalid("rate_per_sec must be >= 0")
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				return invalid("storage.path is required when storage.driver=%s", s.Driver)
			}
		case "redis":
			if strings.TrimSpace(s.Redis.Addr) == "" {
				return invalid("storage.redis.addr is required when storage.driver=redis")
			}
		default:
			return invalid("unknown storage.driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}

	for path, raw := range map[string]string{
		"engine.budget_cooloff":     c.Engine.BudgetCooloff,
		"engine.add_batch_break":    c.Engine.AddBatchBreak,
		"engine.add_jitter":         c.Engine.AddJitter,
		"engine.message_jitter":     c.Engine.MessageJitter,
		"engine.read_settle":        c.Engine.ReadSettle,
		"engine.recent_window":      c.Engine.RecentWindow,
		"engine.provider_timeout":   c.Engine.ProviderTimeout,
		"control.http.read_timeout": c.Control.HTTP.ReadTimeout,
		"control.http.idle_timeout": c.Control.HTTP.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	if spec := strings.TrimSpace(c.Schedule.BudgetReset); spec != "" {
		if _, err := CronParser.Parse(spec); err != nil {
			return invalid("schedule.budget_reset: %v", err)
		}
	}
	if tz := strings.TrimSpace(c.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return invalid("schedule.timezone: %v", err)
		}
	}

	if d := c.Defaults; d != nil {
		if d.MaxPerHour != nil && *d.MaxPerHour < 0 {
			return invalid("defaults.max_per_hour must be >= 0")
		}
		if d.CooldownMinutes != nil && *d.CooldownMinutes < 0 {
			return invalid("defaults.cooldown_minutes must be >= 0")
		}
		if d.TypingDurationSec != nil && *d.TypingDurationSec < 0 {
			return invalid("defaults.typing_duration_sec must be >= 0")
		}
	}
	return nil
}

// OperatorChatID returns the parsed operator chat, or 0 when unset.
func (c *Config) OperatorChatID() int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Telegram.OperatorChat), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
