package app

import (
	"strings"
	"time"

	"autoreach/internal/automation"
	"autoreach/internal/config"
	"autoreach/internal/control"
	"autoreach/internal/model"
	"autoreach/internal/notifier"
	"autoreach/internal/schedule"
	"autoreach/internal/storage"
	kit "autoreach/internal/transport"
	logx "autoreach/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			ChatID:     cfg.OperatorChatID(),
			ThreadID:   cfg.Logging.Chat.ThreadID,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

// mapStorageConfig returns the store config. A missing section keeps state
// in memory.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := storage.Config{Seed: cfg.SeedSettings()}
	if cfg.Storage == nil {
		return sc, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	sc.Driver = strings.TrimSpace(cfg.Storage.Driver)
	sc.Path = strings.TrimSpace(cfg.Storage.Path)
	sc.BusyTimeout = busy
	sc.Redis = storage.RedisConfig{
		Addr:     cfg.Storage.Redis.Addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
		Prefix:   cfg.Storage.Redis.Prefix,
	}
	return sc, nil
}

func mapTimings(cfg *config.Config) (automation.Timings, error) {
	t, err := cfg.EngineTimings()
	if err != nil {
		return automation.Timings{}, err
	}
	return automation.Timings(t), nil
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	return notifier.Config{
		Enabled:    cfg.Notifier.Enabled,
		Target:     kit.ChatTarget{ChatID: cfg.OperatorChatID(), ThreadID: cfg.Logging.Chat.ThreadID},
		RatePerSec: cfg.Notifier.RatePerSec,
	}
}

func mapScheduleConfig(cfg *config.Config) schedule.Config {
	return schedule.Config{Spec: cfg.Schedule.BudgetReset, Timezone: cfg.Schedule.Timezone}
}

func mapHTTPConfig(cfg *config.Config) (control.HTTPConfig, error) {
	h := cfg.Control.HTTP
	read, err := config.ParseDurationOrDefault("control.http.read_timeout", h.ReadTimeout, 0)
	if err != nil {
		return control.HTTPConfig{}, err
	}
	idle, err := config.ParseDurationOrDefault("control.http.idle_timeout", h.IdleTimeout, 0)
	if err != nil {
		return control.HTTPConfig{}, err
	}
	return control.HTTPConfig{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         h.Token,
		ReadTimeout:   read,
		IdleTimeout:   idle,
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
	}, nil
}

func mapGroups(entries []config.DirectoryEntry) []model.Group {
	out := make([]model.Group, 0, len(entries))
	for _, e := range entries {
		out = append(out, model.Group{ID: e.ID, Name: e.Name})
	}
	return out
}

func mapContacts(entries []config.DirectoryEntry) []model.Contact {
	out := make([]model.Contact, 0, len(entries))
	for _, e := range entries {
		phone := e.Phone
		if phone == "" {
			phone = e.ID
		}
		out = append(out, model.Contact{ID: e.ID, Name: e.Name, Phone: phone})
	}
	return out
}

func pollTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
}
