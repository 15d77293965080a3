package automation

import (
	"context"
	"strings"
	"time"

	"autoreach/internal/model"
)

// Directory lists the groups and contacts a provider can reach.
type Directory interface {
	ListGroups(ctx context.Context) ([]model.Group, error)
	ListContacts(ctx context.Context) ([]model.Contact, error)
}

// Provider is the messaging capability the engine drives. Implementations
// own their own timeouts; the engine never cancels an in-flight call.
type Provider interface {
	Directory

	CheckNumberExists(ctx context.Context, phone string) (bool, error)
	IsGroupParticipant(ctx context.Context, groupID, phone string) (bool, error)
	AddParticipant(ctx context.Context, groupID, phone string) error
	SendText(ctx context.Context, chatID, text string) error
	SendMedia(ctx context.Context, chatID string, media model.Media, caption string) error
	MarkRead(ctx context.Context, chatID string) error
	SetTypingPresence(ctx context.Context, chatID string, p model.Presence) error
	// DetectThrottling reports an out-of-band rate limit signal observed
	// since the last call.
	DetectThrottling() bool
}

// Store is the persistence the engine needs. storage.Store satisfies it.
type Store interface {
	GetSettings(ctx context.Context) (model.Settings, error)
	GetActionBudget(ctx context.Context) (model.ActionBudget, error)
	IncrementActionBudget(ctx context.Context) (model.ActionBudget, error)
	ResetActionBudget(ctx context.Context) error
	GetMessageHistory(ctx context.Context) (model.MessageHistory, error)
	RecordMessageSent(ctx context.Context, phone string) error
	SaveResults(ctx context.Context, task model.TaskType, r model.ResultSet) error
	AppendLog(ctx context.Context, e model.LogEntry) error
}

// Clock is the engine's time source. Tests swap it for a manual clock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RunConfig is supplied once per task and never changes during the run.
type RunConfig struct {
	DelayMs         int64        `json:"delay_ms"`
	RandomDelay     bool         `json:"random_delay"`
	BatchSize       int          `json:"batch_size"`
	BatchBreakMs    int64        `json:"batch_break_ms"` // bulk messages only
	SkipDuplicates  bool         `json:"skip_duplicates"`
	SkipRecent      bool         `json:"skip_recent"`
	AutoPauseErrors bool         `json:"auto_pause_errors"`
	Media           *model.Media `json:"media,omitempty"`
}

func (c RunConfig) Delay() time.Duration      { return time.Duration(c.DelayMs) * time.Millisecond }
func (c RunConfig) BatchBreak() time.Duration { return time.Duration(c.BatchBreakMs) * time.Millisecond }

func (c RunConfig) validate() error {
	if c.BatchSize <= 0 {
		return invalid("batch_size must be > 0")
	}
	if c.DelayMs < 0 || c.BatchBreakMs < 0 {
		return invalid("delays must be >= 0")
	}
	if c.Media != nil {
		switch c.Media.MimeClass {
		case "image", "video", "audio", "document":
		default:
			return invalid("unknown media class %q", c.Media.MimeClass)
		}
		if c.Media.Base64 == "" {
			return invalid("media without content")
		}
	}
	return nil
}

// DefaultRunConfig is the per-task configuration used when a control surface
// does not supply one.
func DefaultRunConfig(task model.TaskType) RunConfig {
	if task == model.TaskAddMembers {
		return RunConfig{DelayMs: 5000, RandomDelay: true, BatchSize: 10, AutoPauseErrors: true}
	}
	return RunConfig{
		DelayMs:         10000,
		BatchSize:       10,
		BatchBreakMs:    300000,
		SkipDuplicates:  true,
		SkipRecent:      true,
		AutoPauseErrors: true,
	}
}

// Request starts one task.
type Request struct {
	Task     model.TaskType
	GroupID  string // addMembers
	Targets  Targets
	Template string // bulkMessages
	Config   RunConfig
}

func (r Request) validate() error {
	if !r.Task.Valid() {
		return invalid("unknown task %q", r.Task)
	}
	if r.Targets == nil {
		return invalid("targets are required")
	}
	switch r.Task {
	case model.TaskAddMembers:
		if strings.TrimSpace(r.GroupID) == "" {
			return invalid("group id is required")
		}
	case model.TaskBulkMessages:
		if strings.TrimSpace(r.Template) == "" && r.Config.Media == nil {
			return invalid("template is required")
		}
	}
	return r.Config.validate()
}

// Timings are the engine's fixed waits. Zero fields take the defaults.
type Timings struct {
	BudgetCooloff   time.Duration
	AddBatchBreak   time.Duration
	AddJitter       time.Duration
	MessageJitter   time.Duration
	ReadSettle      time.Duration
	RecentWindow    time.Duration
	ProviderTimeout time.Duration // per provider call; 0 = none
}

func DefaultTimings() Timings {
	return Timings{
		BudgetCooloff: 60 * time.Second,
		AddBatchBreak: 30 * time.Second,
		AddJitter:     2 * time.Second,
		MessageJitter: 3 * time.Second,
		ReadSettle:    500 * time.Millisecond,
		RecentWindow:  24 * time.Hour,
	}
}

func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t.BudgetCooloff <= 0 {
		t.BudgetCooloff = d.BudgetCooloff
	}
	if t.AddBatchBreak <= 0 {
		t.AddBatchBreak = d.AddBatchBreak
	}
	if t.AddJitter <= 0 {
		t.AddJitter = d.AddJitter
	}
	if t.MessageJitter <= 0 {
		t.MessageJitter = d.MessageJitter
	}
	if t.ReadSettle <= 0 {
		t.ReadSettle = d.ReadSettle
	}
	if t.RecentWindow <= 0 {
		t.RecentWindow = d.RecentWindow
	}
	if t.ProviderTimeout < 0 {
		t.ProviderTimeout = 0
	}
	return t
}

// Snapshot is the answer to a state query.
type Snapshot struct {
	State     model.State     `json:"state"`
	Task      model.TaskType  `json:"task,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Current   int             `json:"current"`
	Total     int             `json:"total"`
	StartedAt time.Time       `json:"started_at,omitempty"`
	Results   model.ResultSet `json:"results"`
	Counts    model.Counts    `json:"counts"`
}
