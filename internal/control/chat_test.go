package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoreach/internal/automation"
	"autoreach/internal/model"
	kit "autoreach/internal/transport"
	logx "autoreach/pkg/logx"
)

// scriptedController records commands and answers with a fixed reply.
type scriptedController struct {
	mu    sync.Mutex
	cmds  []automation.Command
	reply automation.Reply
	err   error
}

func (s *scriptedController) Handle(_ context.Context, cmd automation.Command) (automation.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)
	return s.reply, s.err
}

func (s *scriptedController) last() automation.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cmds) == 0 {
		return nil
	}
	return s.cmds[len(s.cmds)-1]
}

type captureReplier struct {
	mu   sync.Mutex
	sent []string
	to   []kit.ChatTarget
}

func (c *captureReplier) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	c.to = append(c.to, to)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (c *captureReplier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestExecuteControlCommands(t *testing.T) {
	t.Parallel()
	ctl := &scriptedController{reply: automation.Reply{State: automation.Snapshot{State: model.StateIdle}}}
	c := NewChatCommands(ctl, nil, []int64{1}, logx.Nop())
	ctx := context.Background()

	assert.Equal(t, "State: idle", c.Execute(ctx, "/state"))
	assert.Equal(t, automation.QueryCommand{}, ctl.last())

	c.Execute(ctx, "/pause@autoreach_bot")
	assert.Equal(t, automation.PauseCommand{}, ctl.last())
	c.Execute(ctx, "/RESUME")
	assert.Equal(t, automation.ResumeCommand{}, ctl.last())
	c.Execute(ctx, "/stop")
	assert.Equal(t, automation.StopCommand{}, ctl.last())

	assert.Contains(t, c.Execute(ctx, "/help"), "/send - ")
	assert.Contains(t, c.Execute(ctx, "/nope"), "Unknown command")

	ctl.err = automation.ErrNotRunning
	assert.Equal(t, "Error: "+automation.ErrNotRunning.Error(), c.Execute(ctx, "/pause"))
}

func TestExecuteStartCommands(t *testing.T) {
	t.Parallel()
	ctl := &scriptedController{reply: automation.Reply{
		TaskID: "abc",
		State:  automation.Snapshot{State: model.StateRunning, Task: model.TaskAddMembers, Total: 2},
	}}
	c := NewChatCommands(ctl, nil, []int64{1}, logx.Nop())
	ctx := context.Background()

	out := c.Execute(ctx, "/add -100500 +1, +2")
	assert.Contains(t, out, "Started Member Addition (abc)")
	assert.Contains(t, out, "Progress: 0/2")
	start, ok := ctl.last().(automation.StartCommand)
	require.True(t, ok)
	assert.Equal(t, model.TaskAddMembers, start.Request.Task)
	assert.Equal(t, "-100500", start.Request.GroupID)
	assert.Equal(t, automation.Numbers{Phones: []string{"+1", "+2"}}, start.Request.Targets)
	assert.Equal(t, automation.DefaultRunConfig(model.TaskAddMembers), start.Request.Config)

	c.Execute(ctx, "/send allgroups Hello {{group}}!")
	start, ok = ctl.last().(automation.StartCommand)
	require.True(t, ok)
	assert.Equal(t, automation.AllGroups{}, start.Request.Targets)
	assert.Equal(t, "Hello {{group}}!", start.Request.Template)

	c.Execute(ctx, "/send +1,+2 Hi")
	start = ctl.last().(automation.StartCommand)
	assert.Equal(t, automation.Numbers{Phones: []string{"+1", "+2"}}, start.Request.Targets)

	n := len(ctl.cmds)
	assert.Equal(t, errAddUsage.Error(), c.Execute(ctx, "/add onlygroup"))
	assert.Equal(t, errSendUsage.Error(), c.Execute(ctx, "/send allgroups"))
	assert.Len(t, ctl.cmds, n)
}

func TestRunRepliesToOwnersOnly(t *testing.T) {
	t.Parallel()
	ctl := &scriptedController{reply: automation.Reply{State: automation.Snapshot{State: model.StateIdle}}}
	rep := &captureReplier{}
	c := NewChatCommands(ctl, rep, []int64{7}, logx.Nop())

	updates := make(chan kit.Update, 4)
	updates <- kit.Update{Message: &kit.Message{ChatID: 1, FromID: 99, Text: "/state"}}
	updates <- kit.Update{Message: &kit.Message{ChatID: 1, FromID: 7, Text: "just chatting"}}
	updates <- kit.Update{Message: &kit.Message{ChatID: 1, ThreadID: 3, FromID: 7, Text: "/state"}}
	close(updates)

	done := make(chan struct{})
	go func() {
		c.Run(context.Background(), updates)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the channel closed")
	}

	require.Equal(t, 1, rep.count())
	assert.Equal(t, "State: idle", rep.sent[0])
	assert.Equal(t, kit.ChatTarget{ChatID: 1, ThreadID: 3}, rep.to[0])
}
