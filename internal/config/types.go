package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "60s", "5m").
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Telegram TelegramConfig  `json:"telegram"`
	Provider ProviderConfig  `json:"provider"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Engine   EngineConfig    `json:"engine"`
	Control  ControlConfig   `json:"control"`
	Metrics  MetricsConfig   `json:"metrics"`
	Notifier NotifierConfig  `json:"notifier"`
	Schedule ScheduleConfig  `json:"schedule"`
	Defaults *DefaultsConfig `json:"defaults,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards warn+ lines to telegram.operator_chat.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// OperatorChat receives notifications and chat log lines.
	OperatorChat string `json:"operator_chat"`
	PollTimeout  string `json:"poll_timeout"`

	// Groups and Contacts form the directory the provider exposes; a bot
	// cannot enumerate its chats on its own.
	Groups   []DirectoryEntry `json:"groups,omitempty"`
	Contacts []DirectoryEntry `json:"contacts,omitempty"`
}

type DirectoryEntry struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// ProviderConfig selects the messaging provider.
//
// Driver values:
//   - "dryrun" (default): logs actions, never touches a platform
//   - "telegram": performs actions through the bot account
type ProviderConfig struct {
	Driver string       `json:"driver"`
	DryRun DryRunConfig `json:"dryrun"`
}

type DryRunConfig struct {
	// Latency is added to every simulated call.
	Latency string `json:"latency,omitempty"`
	// ThrottleEvery reports throttling after every N successful sends (0 = never).
	ThrottleEvery int `json:"throttle_every,omitempty"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/autoreach.db" }
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// EngineConfig overrides the fixed pauses of the execution loop. Omitted
// fields keep the built-in values.
type EngineConfig struct {
	BudgetCooloff   string `json:"budget_cooloff,omitempty"`   // default 60s
	AddBatchBreak   string `json:"add_batch_break,omitempty"`  // default 30s
	AddJitter       string `json:"add_jitter,omitempty"`       // default 2s
	MessageJitter   string `json:"message_jitter,omitempty"`   // default 3s
	ReadSettle      string `json:"read_settle,omitempty"`      // default 500ms
	RecentWindow    string `json:"recent_window,omitempty"`    // default 24h
	ProviderTimeout string `json:"provider_timeout,omitempty"` // default 0 (none)
}

// ControlConfig exposes the HTTP control API.
type ControlConfig struct {
	HTTP HTTPConfig `json:"http"`
	// Telegram enables owner-only chat commands.
	Telegram bool `json:"telegram"`
}

type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default 127.0.0.1:8088
	Token         string `json:"token,omitempty"` // optional bearer token (never logged)
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"` // mounts /debug/pprof/
}

// MetricsConfig mounts /metrics on the control HTTP server.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// NotifierConfig controls completion notifications to the operator chat.
type NotifierConfig struct {
	Enabled    bool `json:"enabled"`
	RatePerSec int  `json:"rate_per_sec,omitempty"`
}

// ScheduleConfig holds optional cron jobs.
type ScheduleConfig struct {
	// BudgetReset resets the action budget window ("@hourly", "0 * * * *").
	// Empty disables it.
	BudgetReset string `json:"budget_reset,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// DefaultsConfig seeds Settings the first time a store is opened.
// Pointers distinguish "omitted" from an explicit zero or false.
type DefaultsConfig struct {
	MaxPerHour          *int  `json:"max_per_hour,omitempty"`
	CooldownMinutes     *int  `json:"cooldown_minutes,omitempty"`
	SimulateTyping      *bool `json:"simulate_typing,omitempty"`
	TypingDurationSec   *int  `json:"typing_duration_sec,omitempty"`
	MarkAsRead          *bool `json:"mark_as_read,omitempty"`
	EnableNotifications *bool `json:"enable_notifications,omitempty"`
}
