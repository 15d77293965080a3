// Package control exposes the engine to operators: an HTTP API with a
// server-sent event stream, and owner-only chat commands.
//
// Both surfaces drive the engine through typed commands and never touch its
// state directly.
package control

import (
	"context"

	"autoreach/internal/automation"
	"autoreach/internal/model"
)

// Controller applies typed commands. *automation.Engine satisfies it.
type Controller interface {
	Handle(ctx context.Context, cmd automation.Command) (automation.Reply, error)
}

// Store is the persistence the control surfaces read and reset.
type Store interface {
	GetSettings(ctx context.Context) (model.Settings, error)
	SaveSettings(ctx context.Context, s model.Settings) error
	ResetSettings(ctx context.Context) (model.Settings, error)
	GetResults(ctx context.Context, task model.TaskType) (model.ResultSet, bool, error)
	Logs(ctx context.Context, limit int) ([]model.LogEntry, error)
	ClearLogs(ctx context.Context) error
	ClearMessageHistory(ctx context.Context) error
	GetActionBudget(ctx context.Context) (model.ActionBudget, error)
	ResetActionBudget(ctx context.Context) error
}
