// Package model holds the data shared by the automation engine, its stores
// and its control surfaces.
package model

import (
	"strings"
	"time"
)

// TaskType names a bulk operation. The values double as result keys.
type TaskType string

const (
	TaskAddMembers   TaskType = "addMembers"
	TaskBulkMessages TaskType = "bulkMessages"
)

func (t TaskType) Valid() bool {
	return t == TaskAddMembers || t == TaskBulkMessages
}

// Title is the human heading used in summaries and notifications.
func (t TaskType) Title() string {
	switch t {
	case TaskAddMembers:
		return "Member Addition"
	case TaskBulkMessages:
		return "Bulk Messaging"
	default:
		return string(t)
	}
}

// State is the engine's task state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
)

// Active reports whether a task occupies the engine.
func (s State) Active() bool { return s == StateRunning || s == StatePaused }

// Recipient is one target of a task. Fields not supplied by the source are "".
type Recipient struct {
	Phone     string `json:"phone,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	GroupName string `json:"group_name,omitempty"`
	Custom1   string `json:"custom1,omitempty"`
	Custom2   string `json:"custom2,omitempty"`
}

// Key identifies the recipient within a run: the group id for group
// recipients, the phone number otherwise.
func (r Recipient) Key() string {
	if r.GroupName != "" && r.ID != "" {
		return r.ID
	}
	return r.Phone
}

// ChatID is the provider chat identifier: the platform id when known,
// otherwise the digits of the phone number.
func (r Recipient) ChatID() string {
	if r.ID != "" {
		return r.ID
	}
	return Digits(r.Phone)
}

// Label is how the recipient appears in logs and status text.
func (r Recipient) Label() string {
	if r.Name != "" {
		return r.Name
	}
	if r.Phone != "" {
		return r.Phone
	}
	return r.ID
}

// Digits keeps only 0-9.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// FormatPhone keeps digits and '+'.
func FormatPhone(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		if (c >= '0' && c <= '9') || c == '+' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// Group and Contact are directory entries returned by a provider.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Settings are the persisted, operator-tunable knobs read at each item.
type Settings struct {
	MaxPerHour          int  `json:"max_per_hour"`
	CooldownMinutes     int  `json:"cooldown_minutes"`
	SimulateTyping      bool `json:"simulate_typing"`
	TypingDurationSec   int  `json:"typing_duration_sec"`
	MarkAsRead          bool `json:"mark_as_read"`
	EnableNotifications bool `json:"enable_notifications"`
}

func DefaultSettings() Settings {
	return Settings{
		MaxPerHour:          50,
		CooldownMinutes:     15,
		SimulateTyping:      true,
		TypingDurationSec:   3,
		MarkAsRead:          false,
		EnableNotifications: true,
	}
}

// BudgetWindow is the length of one action budget window.
const BudgetWindow = time.Hour

// ActionBudget counts successful actions in the current window.
type ActionBudget struct {
	Count         int   `json:"count"`
	WindowStartMs int64 `json:"window_start_ms"`
}

// Rolled returns the budget as seen at now: a fresh window once the stored
// one is more than an hour old.
func (b ActionBudget) Rolled(now time.Time) (ActionBudget, bool) {
	ms := now.UnixMilli()
	if ms-b.WindowStartMs > BudgetWindow.Milliseconds() {
		return ActionBudget{Count: 0, WindowStartMs: ms}, true
	}
	return b, false
}

// HistoryEntry tracks when a phone was last messaged.
type HistoryEntry struct {
	LastSentMs int64 `json:"last_sent_ms"`
	Count      int   `json:"count"`
}

type MessageHistory map[string]HistoryEntry

// SuccessRecord is a completed action. Message holds the rendered text for
// bulk messages.
type SuccessRecord struct {
	Subject   Recipient `json:"subject"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OutcomeRecord is a failed or skipped item with its reason.
type OutcomeRecord struct {
	Subject Recipient `json:"subject"`
	Reason  string    `json:"reason"`
}

type ResultSet struct {
	Success []SuccessRecord `json:"success"`
	Failed  []OutcomeRecord `json:"failed"`
	Skipped []OutcomeRecord `json:"skipped"`
}

type Counts struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

func (c Counts) Total() int { return c.Success + c.Failed + c.Skipped }

func (r ResultSet) Counts() Counts {
	return Counts{Success: len(r.Success), Failed: len(r.Failed), Skipped: len(r.Skipped)}
}

// Clone returns a copy that shares no slices with r.
func (r ResultSet) Clone() ResultSet {
	return ResultSet{
		Success: append([]SuccessRecord{}, r.Success...),
		Failed:  append([]OutcomeRecord{}, r.Failed...),
		Skipped: append([]OutcomeRecord{}, r.Skipped...),
	}
}

type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogSuccess LogLevel = "success"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

type LogEntry struct {
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// MaxLogEntries caps the persisted activity log; older entries are dropped.
const MaxLogEntries = 1000

// Progress is emitted before each item is processed.
type Progress struct {
	TaskID       string   `json:"task_id"`
	Task         TaskType `json:"task"`
	Current      int      `json:"current"`
	Total        int      `json:"total"`
	Status       string   `json:"status"`
	SuccessCount int      `json:"success_count"`
	FailedCount  int      `json:"failed_count"`
	SkippedCount int      `json:"skipped_count"`
	ETA          string   `json:"eta,omitempty"`
}

// Outcome kinds reported per item.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailed  OutcomeKind = "failed"
	OutcomeSkipped OutcomeKind = "skipped"
)

type Outcome struct {
	TaskID  string      `json:"task_id"`
	Task    TaskType    `json:"task"`
	Kind    OutcomeKind `json:"kind"`
	Subject Recipient   `json:"subject"`
	Reason  string      `json:"reason,omitempty"`
}

// Completion is emitted once when a run leaves the loop.
type Completion struct {
	TaskID     string    `json:"task_id"`
	Task       TaskType  `json:"task"`
	Results    ResultSet `json:"results"`
	Stopped    bool      `json:"stopped"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// StateChange is emitted on every state transition.
type StateChange struct {
	TaskID string   `json:"task_id,omitempty"`
	Task   TaskType `json:"task,omitempty"`
	From   State    `json:"from"`
	To     State    `json:"to"`
}

// Media is an attachment sent with a bulk message. MimeClass is one of
// image, video, audio or document.
type Media struct {
	Base64    string `json:"base64"`
	MimeClass string `json:"mime_class"`
	FileName  string `json:"file_name,omitempty"`
}

// Presence is the chat state shown to a recipient while a message is prepared.
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)
