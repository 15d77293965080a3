package automation

import (
	"context"
	"fmt"
)

// Command is a control message accepted by Engine.Handle. The variants are
// StartCommand, PauseCommand, ResumeCommand, StopCommand and QueryCommand.
type Command interface {
	command() string
}

type StartCommand struct{ Request Request }
type PauseCommand struct{}
type ResumeCommand struct{}
type StopCommand struct{}
type QueryCommand struct{}

func (StartCommand) command() string  { return "start" }
func (PauseCommand) command() string  { return "pause" }
func (ResumeCommand) command() string { return "resume" }
func (StopCommand) command() string   { return "stop" }
func (QueryCommand) command() string  { return "state" }

// CommandName returns the wire name of a command.
func CommandName(c Command) string {
	if c == nil {
		return ""
	}
	return c.command()
}

// Reply answers every command with the state after it was applied.
type Reply struct {
	TaskID string   `json:"task_id,omitempty"`
	State  Snapshot `json:"state"`
}

// Handle applies one control command. Only StartCommand can block, and only
// while it resolves targets.
func (e *Engine) Handle(ctx context.Context, cmd Command) (Reply, error) {
	var (
		id  string
		err error
	)
	switch c := cmd.(type) {
	case StartCommand:
		id, err = e.Start(ctx, c.Request)
	case PauseCommand:
		err = e.Pause()
	case ResumeCommand:
		err = e.Resume()
	case StopCommand:
		err = e.Stop()
	case QueryCommand:
	default:
		err = fmt.Errorf("%w: unknown command %T", ErrInvalidRequest, cmd)
	}
	return Reply{TaskID: id, State: e.State()}, err
}
