package notifier

import (
	"context"
	"time"

	"autoreach/internal/model"
	kit "autoreach/internal/transport"
)

// Config controls the notification pipeline.
type Config struct {
	Enabled       bool
	Target        kit.ChatTarget
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// Sender delivers one text. The Telegram adapter satisfies it.
type Sender = kit.Sender

// SettingsSource reports whether the operator enabled notifications.
type SettingsSource interface {
	GetSettings(ctx context.Context) (model.Settings, error)
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// NotificationEvent is published on the bus for delivery lifecycle events.
type NotificationEvent struct {
	TaskID string    `json:"task_id,omitempty"`
	ChatID int64     `json:"chat_id"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
