package storage

import (
	"context"
	"errors"
	"time"

	"autoreach/internal/model"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrClosed        = errors.New("storage closed")
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig

	// Seed is returned by GetSettings until settings are first saved.
	Seed model.Settings
	// Now overrides the clock used for budget windows and history stamps.
	Now func() time.Time
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store is the persistence API used by the automation engine and the
// control surfaces.
type Store interface {
	GetSettings(ctx context.Context) (model.Settings, error)
	SaveSettings(ctx context.Context, s model.Settings) error
	// ResetSettings restores the seed settings and returns them.
	ResetSettings(ctx context.Context) (model.Settings, error)

	// GetActionBudget returns the current window, rolling it over (and
	// persisting the rollover) once it is older than an hour.
	GetActionBudget(ctx context.Context) (model.ActionBudget, error)
	IncrementActionBudget(ctx context.Context) (model.ActionBudget, error)
	ResetActionBudget(ctx context.Context) error

	GetMessageHistory(ctx context.Context) (model.MessageHistory, error)
	RecordMessageSent(ctx context.Context, phone string) error
	ClearMessageHistory(ctx context.Context) error

	SaveResults(ctx context.Context, task model.TaskType, r model.ResultSet) error
	GetResults(ctx context.Context, task model.TaskType) (model.ResultSet, bool, error)

	// AppendLog keeps at most model.MaxLogEntries entries.
	AppendLog(ctx context.Context, e model.LogEntry) error
	// Logs returns up to limit entries, newest first (limit <= 0 means all).
	Logs(ctx context.Context, limit int) ([]model.LogEntry, error)
	ClearLogs(ctx context.Context) error

	Close() error
}

func (c Config) clock() func() time.Time {
	if c.Now != nil {
		return c.Now
	}
	return time.Now
}

func (c Config) seed() model.Settings {
	if c.Seed == (model.Settings{}) {
		return model.DefaultSettings()
	}
	return c.Seed
}
