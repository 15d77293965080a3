package control

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"autoreach/internal/automation"
	"autoreach/internal/model"
	kit "autoreach/internal/transport"
	logx "autoreach/pkg/logx"
)

// Replier sends command replies. The Telegram adapter satisfies it.
type Replier = kit.Sender

// Commands lists the chat menu entries served by ChatCommands.
var Commands = []kit.BotCommand{
	{Command: "state", Description: "Show the engine state"},
	{Command: "pause", Description: "Pause the running task"},
	{Command: "resume", Description: "Resume a paused task"},
	{Command: "stop", Description: "Stop the running task"},
	{Command: "add", Description: "Add members: /add <group_id> <phone,...>"},
	{Command: "send", Description: "Bulk message: /send <allgroups|phone,...> <template>"},
	{Command: "help", Description: "List commands"},
}

const chatCommandTimeout = 30 * time.Second

// ChatCommands serves owner-only commands received from the chat transport.
type ChatCommands struct {
	engine Controller
	reply  Replier
	owners []int64
	log    logx.Logger
}

func NewChatCommands(engine Controller, reply Replier, owners []int64, log logx.Logger) *ChatCommands {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ChatCommands{engine: engine, reply: reply, owners: slices.Clone(owners), log: log}
}

// Run handles updates until ctx is done or the channel closes.
func (c *ChatCommands) Run(ctx context.Context, updates <-chan kit.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			if up.Message != nil {
				c.serve(ctx, up.Message)
			}
		}
	}
}

func (c *ChatCommands) serve(ctx context.Context, m *kit.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic recovered", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if !strings.HasPrefix(m.Text, "/") {
		return
	}
	if !slices.Contains(c.owners, m.FromID) {
		c.log.Debug("command from non-owner ignored", logx.Int64("from_id", m.FromID))
		return
	}
	cctx, cancel := context.WithTimeout(ctx, chatCommandTimeout)
	defer cancel()

	start := time.Now()
	text := c.Execute(cctx, m.Text)
	c.log.Debug("command handled", logx.String("text", firstWord(m.Text)), logx.Duration("dur", time.Since(start)))
	if text == "" || c.reply == nil {
		return
	}
	to := kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	if _, err := c.reply.SendText(cctx, to, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		c.log.Warn("command reply failed", logx.Err(err))
	}
}

func firstWord(s string) string {
	if i := strings.IndexAny(s, " \n"); i >= 0 {
		return s[:i]
	}
	return s
}

// Execute runs one command line and returns the reply text.
func (c *ChatCommands) Execute(ctx context.Context, line string) string {
	name, rest := splitCommand(line)
	var (
		reply automation.Reply
		err   error
	)
	switch name {
	case "state":
		reply, err = c.engine.Handle(ctx, automation.QueryCommand{})
	case "pause":
		reply, err = c.engine.Handle(ctx, automation.PauseCommand{})
	case "resume":
		reply, err = c.engine.Handle(ctx, automation.ResumeCommand{})
	case "stop":
		reply, err = c.engine.Handle(ctx, automation.StopCommand{})
	case "add":
		req, perr := parseAdd(rest)
		if perr != nil {
			return perr.Error()
		}
		reply, err = c.engine.Handle(ctx, automation.StartCommand{Request: req})
	case "send":
		req, perr := parseSend(rest)
		if perr != nil {
			return perr.Error()
		}
		reply, err = c.engine.Handle(ctx, automation.StartCommand{Request: req})
	case "help", "start":
		return helpText()
	default:
		return "Unknown command. Send /help for the list."
	}
	if err != nil {
		return "Error: " + err.Error()
	}
	if reply.TaskID != "" {
		return fmt.Sprintf("Started %s (%s)\n%s", reply.State.Task.Title(), reply.TaskID, formatSnapshot(reply.State))
	}
	return formatSnapshot(reply.State)
}

// splitCommand returns the lower-cased command name without its slash or
// @bot suffix, and the remaining text.
func splitCommand(line string) (string, string) {
	line = strings.TrimSpace(line)
	head, rest, _ := strings.Cut(line, " ")
	head = strings.TrimPrefix(head, "/")
	head, _, _ = strings.Cut(head, "@")
	return strings.ToLower(head), strings.TrimSpace(rest)
}

var errAddUsage = errors.New("Usage: /add <group_id> <phone,...>")
var errSendUsage = errors.New("Usage: /send <allgroups|phone,...> <template>")

func parseAdd(rest string) (automation.Request, error) {
	group, phones, ok := strings.Cut(rest, " ")
	numbers := automation.SplitNumbers(phones)
	if !ok || group == "" || len(numbers) == 0 {
		return automation.Request{}, errAddUsage
	}
	return automation.Request{
		Task:    model.TaskAddMembers,
		GroupID: group,
		Targets: automation.Numbers{Phones: numbers},
		Config:  automation.DefaultRunConfig(model.TaskAddMembers),
	}, nil
}

func parseSend(rest string) (automation.Request, error) {
	target, template, ok := strings.Cut(rest, " ")
	template = strings.TrimSpace(template)
	if !ok || target == "" || template == "" {
		return automation.Request{}, errSendUsage
	}
	var targets automation.Targets
	if strings.EqualFold(target, "allgroups") {
		targets = automation.AllGroups{}
	} else {
		numbers := automation.SplitNumbers(target)
		if len(numbers) == 0 {
			return automation.Request{}, errSendUsage
		}
		targets = automation.Numbers{Phones: numbers}
	}
	return automation.Request{
		Task:     model.TaskBulkMessages,
		Targets:  targets,
		Template: template,
		Config:   automation.DefaultRunConfig(model.TaskBulkMessages),
	}, nil
}

func helpText() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range Commands {
		fmt.Fprintf(&b, "/%s - %s\n", c.Command, c.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatSnapshot(s automation.Snapshot) string {
	if s.Task == "" {
		return "State: " + string(s.State)
	}
	return fmt.Sprintf("State: %s\nTask: %s\nProgress: %d/%d\nSuccess: %d, Failed: %d, Skipped: %d",
		s.State, s.Task.Title(), s.Current, s.Total, s.Counts.Success, s.Counts.Failed, s.Counts.Skipped)
}
