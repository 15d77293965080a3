package automation

import (
	"context"
	"fmt"
	"math"
	"time"

	"autoreach/internal/model"
)

// Outcome reasons recorded for precondition results.
const (
	ReasonNotOnPlatform    = "Not on platform"
	ReasonAlreadyInGroup   = "Already in group"
	ReasonRecentlyMessaged = "Recently messaged"
	ReasonDuplicate        = "Duplicate"
)

// verdict is the result of a precondition check. An empty kind lets the
// item proceed to the action.
type verdict struct {
	kind   model.OutcomeKind
	reason string
	level  model.LogLevel
	line   string
}

func proceed() verdict { return verdict{} }

// job is the task-specific half of the execution loop.
type job interface {
	task() model.TaskType
	startLine(total int) string
	status(r model.Recipient) string
	check(ctx context.Context, r model.Recipient) (verdict, error)
	// act performs the guarded action and returns the text that was sent, if any.
	act(ctx context.Context, r model.Recipient, s model.Settings) (string, error)
	afterSuccess(ctx context.Context, r model.Recipient) error
	// resetAfterCooloff force-resets the budget after the cool-off wait
	// instead of re-checking it.
	resetAfterCooloff() bool
	jitter() time.Duration
	batchBreak() time.Duration
	showETA() bool
	successLine(r model.Recipient) string
	failLine(r model.Recipient, err error) string
	summary(c model.Counts, total int) string
}

type addJob struct {
	p       Provider
	groupID string
	t       Timings
}

func (j *addJob) task() model.TaskType { return model.TaskAddMembers }

func (j *addJob) startLine(total int) string {
	return fmt.Sprintf("Starting to add %d members to group", total)
}

func (j *addJob) status(r model.Recipient) string { return fmt.Sprintf("Adding %s...", r.Phone) }

func (j *addJob) check(ctx context.Context, r model.Recipient) (verdict, error) {
	exists, err := j.p.CheckNumberExists(ctx, r.Phone)
	if err != nil {
		return verdict{}, err
	}
	if !exists {
		return verdict{
			kind:   model.OutcomeFailed,
			reason: ReasonNotOnPlatform,
			level:  model.LogError,
			line:   fmt.Sprintf("%s - %s", r.Phone, ReasonNotOnPlatform),
		}, nil
	}
	member, err := j.p.IsGroupParticipant(ctx, j.groupID, r.Phone)
	if err != nil {
		return verdict{}, err
	}
	if member {
		return verdict{
			kind:   model.OutcomeSkipped,
			reason: ReasonAlreadyInGroup,
			level:  model.LogWarning,
			line:   fmt.Sprintf("%s - %s", r.Phone, ReasonAlreadyInGroup),
		}, nil
	}
	return proceed(), nil
}

func (j *addJob) act(ctx context.Context, r model.Recipient, _ model.Settings) (string, error) {
	return "", j.p.AddParticipant(ctx, j.groupID, r.Phone)
}

func (j *addJob) afterSuccess(context.Context, model.Recipient) error { return nil }
func (j *addJob) resetAfterCooloff() bool                            { return false }
func (j *addJob) jitter() time.Duration                              { return j.t.AddJitter }
func (j *addJob) batchBreak() time.Duration                          { return j.t.AddBatchBreak }
func (j *addJob) showETA() bool                                      { return false }

func (j *addJob) successLine(r model.Recipient) string {
	return fmt.Sprintf("%s - Added successfully", r.Phone)
}

func (j *addJob) failLine(r model.Recipient, err error) string {
	return fmt.Sprintf("%s - %v", r.Phone, err)
}

func (j *addJob) summary(c model.Counts, _ int) string {
	return fmt.Sprintf("Completed: %d added, %d failed, %d skipped", c.Success, c.Failed, c.Skipped)
}

type messageJob struct {
	p     Provider
	st    Store
	agg   *aggregator
	clock Clock
	intn  func(int64) int64
	tmpl  string
	cfg   RunConfig
	t     Timings
}

func (j *messageJob) task() model.TaskType { return model.TaskBulkMessages }

func (j *messageJob) startLine(total int) string {
	return fmt.Sprintf("Starting to send %d messages", total)
}

func (j *messageJob) status(r model.Recipient) string {
	return fmt.Sprintf("Sending to %s...", r.Label())
}

func (j *messageJob) check(ctx context.Context, r model.Recipient) (verdict, error) {
	if j.cfg.SkipRecent {
		h, err := j.st.GetMessageHistory(ctx)
		if err != nil {
			return verdict{}, err
		}
		if e, ok := h[r.Phone]; ok && j.clock.Now().UnixMilli()-e.LastSentMs < j.t.RecentWindow.Milliseconds() {
			return verdict{
				kind:   model.OutcomeSkipped,
				reason: ReasonRecentlyMessaged,
				level:  model.LogWarning,
				line:   fmt.Sprintf("%s - %s", r.Label(), ReasonRecentlyMessaged),
			}, nil
		}
	}
	if j.cfg.SkipDuplicates && j.agg.succeeded(r) {
		return verdict{
			kind:   model.OutcomeSkipped,
			reason: ReasonDuplicate,
			level:  model.LogWarning,
			line:   fmt.Sprintf("%s - Duplicate skipped", r.Label()),
		}, nil
	}
	return proceed(), nil
}

func (j *messageJob) act(ctx context.Context, r model.Recipient, s model.Settings) (string, error) {
	text := Render(j.tmpl, r, j.clock.Now(), j.intn)
	chat := r.ChatID()

	if s.MarkAsRead {
		if err := j.p.MarkRead(ctx, chat); err != nil {
			return "", err
		}
		settle(j.clock, j.t.ReadSettle)
	}
	if s.SimulateTyping {
		if err := j.p.SetTypingPresence(ctx, chat, model.PresenceComposing); err != nil {
			return "", err
		}
		settle(j.clock, time.Duration(s.TypingDurationSec)*time.Second)
	}

	var err error
	if j.cfg.Media != nil {
		err = j.p.SendMedia(ctx, chat, *j.cfg.Media, text)
	} else {
		err = j.p.SendText(ctx, chat, text)
	}
	if err != nil {
		return "", err
	}

	if s.SimulateTyping {
		if err := j.p.SetTypingPresence(ctx, chat, model.PresencePaused); err != nil {
			return "", err
		}
	}
	return text, nil
}

func (j *messageJob) afterSuccess(ctx context.Context, r model.Recipient) error {
	return j.st.RecordMessageSent(ctx, r.Phone)
}

func (j *messageJob) resetAfterCooloff() bool   { return true }
func (j *messageJob) jitter() time.Duration     { return j.t.MessageJitter }
func (j *messageJob) batchBreak() time.Duration { return j.cfg.BatchBreak() }
func (j *messageJob) showETA() bool             { return true }

func (j *messageJob) successLine(r model.Recipient) string {
	return fmt.Sprintf("Sent to %s", r.Label())
}

func (j *messageJob) failLine(r model.Recipient, err error) string {
	return fmt.Sprintf("Failed for %s: %v", r.Label(), err)
}

func (j *messageJob) summary(c model.Counts, total int) string {
	rate := 0
	if total > 0 {
		rate = int(math.Round(float64(c.Success) / float64(total) * 100))
	}
	return fmt.Sprintf("Completed: %d sent, %d failed, %d skipped (%d%% success)", c.Success, c.Failed, c.Skipped, rate)
}

// jittered spreads base by up to ±spread and never returns a negative delay.
// intn(n) must return a value in [0, n).
func jittered(base, spread time.Duration, intn func(int64) int64) time.Duration {
	if spread <= 0 {
		return max(base, 0)
	}
	d := base - spread + time.Duration(intn(int64(2*spread)+1))
	return max(d, 0)
}

// sleep waits for d on clock, returning early with ctx's error on cancel.
func sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}

// settle waits out d inside an action. Stop is observed after the action.
func settle(clock Clock, d time.Duration) {
	if d > 0 {
		<-clock.After(d)
	}
}
