package config

import (
	"time"

	"autoreach/internal/model"
)

// SeedSettings applies the defaults section over the built-in settings.
func (c *Config) SeedSettings() model.Settings {
	s := model.DefaultSettings()
	d := c.Defaults
	if d == nil {
		return s
	}
	if d.MaxPerHour != nil {
		s.MaxPerHour = *d.MaxPerHour
	}
	if d.CooldownMinutes != nil {
		s.CooldownMinutes = *d.CooldownMinutes
	}
	if d.SimulateTyping != nil {
		s.SimulateTyping = *d.SimulateTyping
	}
	if d.TypingDurationSec != nil {
		s.TypingDurationSec = *d.TypingDurationSec
	}
	if d.MarkAsRead != nil {
		s.MarkAsRead = *d.MarkAsRead
	}
	if d.EnableNotifications != nil {
		s.EnableNotifications = *d.EnableNotifications
	}
	return s
}

// EngineTimings are the resolved engine durations. Zero means "use the
// engine's built-in value".
type EngineTimings struct {
	BudgetCooloff   time.Duration
	AddBatchBreak   time.Duration
	AddJitter       time.Duration
	MessageJitter   time.Duration
	ReadSettle      time.Duration
	RecentWindow    time.Duration
	ProviderTimeout time.Duration
}

func (c *Config) EngineTimings() (EngineTimings, error) {
	var (
		t   EngineTimings
		err error
	)
	e := c.Engine
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"engine.budget_cooloff", e.BudgetCooloff, &t.BudgetCooloff},
		{"engine.add_batch_break", e.AddBatchBreak, &t.AddBatchBreak},
		{"engine.add_jitter", e.AddJitter, &t.AddJitter},
		{"engine.message_jitter", e.MessageJitter, &t.MessageJitter},
		{"engine.read_settle", e.ReadSettle, &t.ReadSettle},
		{"engine.recent_window", e.RecentWindow, &t.RecentWindow},
		{"engine.provider_timeout", e.ProviderTimeout, &t.ProviderTimeout},
	}
	for _, f := range fields {
		if *f.dst, err = ParseDurationField(f.path, f.raw); err != nil {
			return EngineTimings{}, err
		}
	}
	return t, nil
}
