package config

import (
	"reflect"
	"strings"

	logx "autoreach/pkg/logx"
)

// SummarizeConfigChange lists the changed top-level sections and returns
// log fields that never include secrets (tokens, passwords).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.PollTimeout != nt.PollTimeout || ot.OperatorChat != nt.OperatorChat ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		!reflect.DeepEqual(ot.Groups, nt.Groups) || !reflect.DeepEqual(ot.Contacts, nt.Contacts) ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Int("telegram.groups", len(nt.Groups)),
			logx.Int("telegram.contacts", len(nt.Contacts)),
			logx.Bool("telegram.operator_chat_set", strings.TrimSpace(nt.OperatorChat) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Provider, newCfg.Provider) {
		changed = append(changed, "provider")
		attrs = append(attrs, logx.String("provider.driver", newCfg.Provider.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}
	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
	}
	if oldCfg.Control != newCfg.Control {
		changed = append(changed, "control")
		attrs = append(attrs,
			logx.Bool("control.http", newCfg.Control.HTTP.Enabled),
			logx.String("control.http.addr", newCfg.Control.HTTP.Addr),
			logx.Bool("control.http.token_set", newCfg.Control.HTTP.Token != ""),
			logx.Bool("control.telegram", newCfg.Control.Telegram),
		)
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
	}
	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs, logx.Bool("notifier.enabled", newCfg.Notifier.Enabled))
	}
	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs, logx.String("schedule.budget_reset", newCfg.Schedule.BudgetReset))
	}
	if !reflect.DeepEqual(oldCfg.Defaults, newCfg.Defaults) {
		changed = append(changed, "defaults")
	}
	return changed, attrs
}

// RestartRequired reports sections that are only read at startup. The
// control listener is re-applied live except for control.telegram.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "provider", "telegram", "metrics":
			out = append(out, s)
		}
	}
	return out
}
