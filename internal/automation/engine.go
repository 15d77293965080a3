package automation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"autoreach/internal/eventbus"
	"autoreach/internal/model"
	rtsup "autoreach/internal/runtime/supervisor"
	logx "autoreach/pkg/logx"
)

// Deps are the collaborators of an Engine. Provider and Store are required.
type Deps struct {
	Provider Provider
	Store    Store
	Bus      eventbus.Bus
	Log      logx.Logger
	Clock    Clock
	Timings  Timings
	// Intn returns a value in [0, n). Defaults to math/rand/v2.
	Intn func(n int64) int64
}

// Engine runs one bulk task at a time. Pause, Resume, Stop and State never
// block on the run loop.
type Engine struct {
	provider Provider
	store    Store
	bus      eventbus.Bus
	log      logx.Logger
	clock    Clock
	intn     func(int64) int64

	sup *rtsup.Supervisor
	agg *aggregator

	mu      sync.Mutex
	timings Timings
	state   model.State
	cur     *run
	resume  chan struct{} // non-nil while paused
	closed  bool
}

type run struct {
	id         string
	task       model.TaskType
	job        job
	cfg        RunConfig
	timings    Timings
	recipients []model.Recipient
	started    time.Time
	cancel     context.CancelFunc
	done       chan struct{}

	current  int            // guarded by Engine.mu
	settings model.Settings // loop goroutine only
}

func New(d Deps) *Engine {
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Clock == nil {
		d.Clock = realClock{}
	}
	if d.Intn == nil {
		d.Intn = func(n int64) int64 {
			if n <= 0 {
				return 0
			}
			return rand.Int64N(n)
		}
	}
	log := d.Log.With(logx.String("comp", "automation"))
	return &Engine{
		provider: d.Provider,
		store:    d.Store,
		bus:      d.Bus,
		log:      log,
		clock:    d.Clock,
		intn:     d.Intn,
		sup: rtsup.New(context.Background(),
			rtsup.WithLogger(log),
			// a crashed run must not take the process down with it.
			rtsup.WithCancelOnError(false),
		),
		agg:     newAggregator(),
		timings: d.Timings.withDefaults(),
		state:   model.StateIdle,
	}
}

// SetTimings replaces the fixed waits. The active run keeps its values.
func (e *Engine) SetTimings(t Timings) {
	e.mu.Lock()
	e.timings = t.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) Timings() Timings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timings
}

// Start resolves the targets and launches the task. It fails with an
// *AlreadyRunningError while another task is running or paused.
func (e *Engine) Start(ctx context.Context, req Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	if err := e.admit(); err != nil {
		return "", err
	}

	recipients, err := Resolve(ctx, e.provider, req.Targets)
	if err != nil {
		return "", err
	}
	if len(recipients) == 0 {
		return "", ErrEmptyTargets
	}

	e.mu.Lock()
	if err := e.admitLocked(); err != nil {
		e.mu.Unlock()
		e.rejected(err)
		return "", err
	}
	runCtx, cancel := context.WithCancel(e.sup.Context())
	r := &run{
		id:         uuid.NewString(),
		task:       req.Task,
		cfg:        req.Config,
		timings:    e.timings,
		recipients: recipients,
		started:    e.clock.Now(),
		cancel:     cancel,
		done:       make(chan struct{}),
		settings:   model.DefaultSettings(),
	}
	r.job = e.newJob(req, r)
	e.agg.reset()
	e.cur = r
	e.state = model.StateRunning
	e.resume = nil
	e.mu.Unlock()

	e.publishState(r, model.StateIdle, model.StateRunning)
	e.log.Info("task started",
		logx.String("task_id", r.id),
		logx.String("task", string(r.task)),
		logx.Int("recipients", len(recipients)),
	)
	e.sup.Go0("automation.run", func(context.Context) { e.run(runCtx, r) })
	return r.id, nil
}

func (e *Engine) newJob(req Request, r *run) job {
	p := withCallTimeout(e.provider, r.timings.ProviderTimeout)
	switch req.Task {
	case model.TaskAddMembers:
		return &addJob{p: p, groupID: req.GroupID, t: r.timings}
	default:
		return &messageJob{
			p:     p,
			st:    e.store,
			agg:   e.agg,
			clock: e.clock,
			intn:  e.intn,
			tmpl:  req.Template,
			cfg:   req.Config,
			t:     r.timings,
		}
	}
}

func (e *Engine) admit() error {
	e.mu.Lock()
	err := e.admitLocked()
	e.mu.Unlock()
	if err != nil {
		e.rejected(err)
	}
	return err
}

func (e *Engine) admitLocked() error {
	if e.closed {
		return ErrClosed
	}
	if e.state == model.StateIdle {
		return nil
	}
	return &AlreadyRunningError{Task: e.cur.task, TaskID: e.cur.id, State: e.state}
}

func (e *Engine) rejected(err error) {
	var are *AlreadyRunningError
	if errors.As(err, &are) {
		e.emitLog(model.LogWarning, "Another task is already running")
	}
}

// Pause suspends the run at its next check point. Pausing a paused or
// stopping run is a no-op.
func (e *Engine) Pause() error {
	e.mu.Lock()
	switch e.state {
	case model.StateRunning:
		r := e.pauseLocked()
		e.mu.Unlock()
		e.publishState(r, model.StateRunning, model.StatePaused)
		e.emitLog(model.LogInfo, "Paused")
		return nil
	case model.StatePaused, model.StateStopping:
		e.mu.Unlock()
		return nil
	default:
		e.mu.Unlock()
		return ErrNotRunning
	}
}

func (e *Engine) pauseLocked() *run {
	e.state = model.StatePaused
	e.resume = make(chan struct{})
	return e.cur
}

// Resume continues a paused run.
func (e *Engine) Resume() error {
	e.mu.Lock()
	switch e.state {
	case model.StatePaused:
		e.state = model.StateRunning
		close(e.resume)
		e.resume = nil
		r := e.cur
		e.mu.Unlock()
		e.publishState(r, model.StatePaused, model.StateRunning)
		e.emitLog(model.LogInfo, "Resumed")
		return nil
	case model.StateRunning, model.StateStopping:
		e.mu.Unlock()
		return nil
	default:
		e.mu.Unlock()
		return ErrNotRunning
	}
}

// Stop cancels the active run. The loop finishes any in-flight provider
// call, then returns the engine to idle.
func (e *Engine) Stop() error {
	e.mu.Lock()
	switch e.state {
	case model.StateRunning, model.StatePaused:
		from := e.state
		e.state = model.StateStopping
		r := e.cur
		e.mu.Unlock()
		r.cancel()
		e.publishState(r, from, model.StateStopping)
		return nil
	case model.StateStopping:
		e.mu.Unlock()
		return nil
	default:
		e.mu.Unlock()
		return ErrNotRunning
	}
}

// State returns the current state and a copy of the live results. After a
// run ends the results of that run stay visible until the next Start.
func (e *Engine) State() Snapshot {
	e.mu.Lock()
	snap := Snapshot{State: e.state}
	if r := e.cur; r != nil {
		if e.state != model.StateIdle {
			snap.Task = r.task
			snap.TaskID = r.id
			snap.StartedAt = r.started
		}
		snap.Current = r.current
		snap.Total = len(r.recipients)
	}
	e.mu.Unlock()
	snap.Results = e.agg.snapshot()
	snap.Counts = snap.Results.Counts()
	return snap
}

// Wait blocks until the active run, if any, has returned to idle.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	var done chan struct{}
	if e.cur != nil {
		done = e.cur.done
	}
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the active run and waits for the loop to exit.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	if err := e.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	if err := e.Wait(ctx); err != nil {
		return err
	}
	return e.sup.Stop(ctx)
}

func (e *Engine) run(ctx context.Context, r *run) {
	stopped := false
	defer func() { e.finish(r, stopped) }()

	e.emitLog(model.LogInfo, r.job.startLine(len(r.recipients)))
	for i, rcp := range r.recipients {
		if !e.checkpoint(ctx) {
			stopped = true
			break
		}
		e.mu.Lock()
		r.current = i + 1
		e.mu.Unlock()
		e.emitProgress(r, i, rcp)

		if !e.step(ctx, r, i, rcp) {
			stopped = true
			break
		}
	}
}

// checkpoint blocks while paused and reports false once the run is stopped.
func (e *Engine) checkpoint(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		e.mu.Lock()
		resume := e.resume
		e.mu.Unlock()
		if resume == nil {
			return true
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return false
		}
	}
}

// step processes one recipient. It returns false when a stop was observed
// at one of its waits.
func (e *Engine) step(ctx context.Context, r *run, i int, rcp model.Recipient) bool {
	bg := context.WithoutCancel(ctx)
	r.settings = e.readSettings(bg, r.settings)

	v, err := r.job.check(bg, rcp)
	if err != nil {
		e.recordError(r, rcp, err)
		return e.pace(ctx, r, i)
	}
	if v.kind != "" {
		e.recordVerdict(r, rcp, v)
		return e.batchPause(ctx, r, i)
	}

	ok, err := e.gate(ctx, r)
	if !ok {
		return false
	}
	if err != nil {
		e.recordError(r, rcp, err)
		return e.pace(ctx, r, i)
	}

	msg, err := r.job.act(bg, rcp, r.settings)
	if err != nil {
		e.recordError(r, rcp, err)
		return e.pace(ctx, r, i)
	}
	e.recordSuccess(bg, r, rcp, msg)

	if e.provider.DetectThrottling() {
		e.emitLog(model.LogWarning, "Rate limit detected. Waiting...")
		cool := time.Duration(r.settings.CooldownMinutes) * time.Minute
		if sleep(ctx, e.clock, cool) != nil {
			return false
		}
	}
	return e.pace(ctx, r, i)
}

// gate holds the item while the hourly budget is exhausted. ok is false
// when the run was stopped during the wait.
func (e *Engine) gate(ctx context.Context, r *run) (ok bool, err error) {
	bg := context.WithoutCancel(ctx)
	for {
		b, err := e.store.GetActionBudget(bg)
		if err != nil {
			return true, fmt.Errorf("read action budget: %w", err)
		}
		if b.Count < r.settings.MaxPerHour {
			return true, nil
		}
		e.emitLog(model.LogWarning, fmt.Sprintf("Hourly limit reached (%d). Waiting...", r.settings.MaxPerHour))
		if sleep(ctx, e.clock, r.timings.BudgetCooloff) != nil {
			return false, nil
		}
		r.settings = e.readSettings(bg, r.settings)
		if r.job.resetAfterCooloff() {
			if err := e.store.ResetActionBudget(bg); err != nil {
				return true, fmt.Errorf("reset action budget: %w", err)
			}
			return true, nil
		}
	}
}

func (e *Engine) readSettings(ctx context.Context, fallback model.Settings) model.Settings {
	s, err := e.store.GetSettings(ctx)
	if err != nil {
		e.log.Warn("read settings failed; keeping previous values", logx.Err(err))
		return fallback
	}
	return s
}

// pace applies the per-item delay and then the batch break.
func (e *Engine) pace(ctx context.Context, r *run, i int) bool {
	d := r.cfg.Delay()
	if r.cfg.RandomDelay {
		d = jittered(d, r.job.jitter(), e.intn)
	}
	if sleep(ctx, e.clock, d) != nil {
		return false
	}
	return e.batchPause(ctx, r, i)
}

func (e *Engine) batchPause(ctx context.Context, r *run, i int) bool {
	if (i+1)%r.cfg.BatchSize != 0 || i >= len(r.recipients)-1 {
		return ctx.Err() == nil
	}
	d := r.job.batchBreak()
	e.emitLog(model.LogInfo, fmt.Sprintf("Batch complete. Taking %s break...", d))
	return sleep(ctx, e.clock, d) == nil
}

func (e *Engine) recordVerdict(r *run, rcp model.Recipient, v verdict) {
	switch v.kind {
	case model.OutcomeFailed:
		e.agg.fail(rcp, v.reason)
	default:
		e.agg.skip(rcp, v.reason)
	}
	e.publishOutcome(r, v.kind, rcp, v.reason)
	e.emitLog(v.level, v.line)
}

func (e *Engine) recordError(r *run, rcp model.Recipient, err error) {
	reason := err.Error()
	e.agg.fail(rcp, reason)
	e.publishOutcome(r, model.OutcomeFailed, rcp, reason)
	e.emitLog(model.LogError, r.job.failLine(rcp, err))

	if !r.cfg.AutoPauseErrors {
		return
	}
	e.mu.Lock()
	if e.cur != r || e.state != model.StateRunning {
		e.mu.Unlock()
		return
	}
	e.pauseLocked()
	e.mu.Unlock()
	e.publishState(r, model.StateRunning, model.StatePaused)
	e.emitLog(model.LogWarning, "Auto-paused due to error")
}

func (e *Engine) recordSuccess(ctx context.Context, r *run, rcp model.Recipient, msg string) {
	e.agg.success(rcp, msg, e.clock.Now())
	e.publishOutcome(r, model.OutcomeSuccess, rcp, "")
	e.emitLog(model.LogSuccess, r.job.successLine(rcp))

	if err := r.job.afterSuccess(ctx, rcp); err != nil {
		e.log.Warn("record message history failed", logx.Phone("phone", rcp.Phone), logx.Err(err))
	}
	if _, err := e.store.IncrementActionBudget(ctx); err != nil {
		e.log.Warn("increment action budget failed", logx.Err(err))
	}
}

func (e *Engine) finish(r *run, stopped bool) {
	defer close(r.done)
	if stopped {
		e.emitLog(model.LogWarning, "Operation stopped by user")
	}

	results := e.agg.snapshot()
	e.emitLog(model.LogInfo, r.job.summary(results.Counts(), len(r.recipients)))
	if err := e.store.SaveResults(context.Background(), r.task, results); err != nil {
		e.log.Error("save results failed", logx.String("task", string(r.task)), logx.Err(err))
	}

	e.mu.Lock()
	from := e.state
	e.state = model.StateIdle
	e.resume = nil
	e.mu.Unlock()
	r.cancel()

	e.publishState(r, from, model.StateIdle)
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeComplete, Data: model.Completion{
		TaskID:     r.id,
		Task:       r.task,
		Results:    results,
		Stopped:    stopped,
		StartedAt:  r.started,
		FinishedAt: e.clock.Now(),
	}})
	e.log.Info("task finished",
		logx.String("task_id", r.id),
		logx.Bool("stopped", stopped),
		logx.Int("success", len(results.Success)),
		logx.Int("failed", len(results.Failed)),
		logx.Int("skipped", len(results.Skipped)),
	)
}

func (e *Engine) emitProgress(r *run, i int, rcp model.Recipient) {
	c := e.agg.counts()
	p := model.Progress{
		TaskID:       r.id,
		Task:         r.task,
		Current:      i + 1,
		Total:        len(r.recipients),
		Status:       r.job.status(rcp),
		SuccessCount: c.Success,
		FailedCount:  c.Failed,
		SkippedCount: c.Skipped,
	}
	if r.job.showETA() {
		p.ETA = FormatETA(EstimateRemaining(i, len(r.recipients), e.clock.Now().Sub(r.started)))
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeProgress, Data: p})
}

func (e *Engine) publishOutcome(r *run, kind model.OutcomeKind, rcp model.Recipient, reason string) {
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeOutcome, Data: model.Outcome{
		TaskID:  r.id,
		Task:    r.task,
		Kind:    kind,
		Subject: rcp,
		Reason:  reason,
	}})
}

func (e *Engine) publishState(r *run, from, to model.State) {
	ev := model.StateChange{From: from, To: to}
	if r != nil {
		ev.TaskID, ev.Task = r.id, r.task
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeState, Data: ev})
}

// emitLog persists an activity entry, publishes it and mirrors it to the
// process log.
func (e *Engine) emitLog(level model.LogLevel, msg string) {
	entry := model.LogEntry{Level: level, Message: msg, Time: e.clock.Now()}
	if err := e.store.AppendLog(context.Background(), entry); err != nil {
		e.log.Debug("append activity log failed", logx.Err(err))
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeLog, Data: entry})
	e.log.Log(levelOf(level), msg)
}

func levelOf(l model.LogLevel) logx.Level {
	switch l {
	case model.LogWarning:
		return logx.LevelWarn
	case model.LogError:
		return logx.LevelError
	default:
		return logx.LevelInfo
	}
}
