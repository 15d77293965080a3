package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"autoreach/internal/eventbus"
	"autoreach/internal/model"
	rtsup "autoreach/internal/runtime/supervisor"
	logx "autoreach/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Event types published by the notifier.
const (
	TypeSent   = "notifier.sent"
	TypeFailed = "notifier.failed"
)

type job struct {
	taskID string
	text   string
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	sender   Sender
	settings SettingsSource
	bus      eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	queue chan job
	sup   *rtsup.Supervisor

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, settings SettingsSource, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{sender: sender, settings: settings, bus: bus, log: log}
	s.applyLocked(cfg)
	return s
}

// Apply swaps the config; queue size changes take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil && s.cfg.Target.ChatID != 0
}

// Start subscribes to completions and runs the delivery worker. It is a
// no-op when already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	sup, q := s.sup, s.queue
	s.mu.Unlock()

	events, unsubscribe := s.bus.Subscribe(16)
	sup.Go0("completions", func(c context.Context) {
		defer unsubscribe()
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Type != eventbus.TypeComplete {
					continue
				}
				if done, ok := ev.Data.(model.Completion); ok {
					s.onComplete(c, done)
				}
			}
		}
	})
	sup.Go0("worker", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case j := <-q:
				s.sendWithRetry(c, j)
			}
		}
	})
}

// Stop cancels the workers and waits for them until ctx expires. Queued
// texts that were not delivered yet are dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.queue = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

func (s *Service) onComplete(ctx context.Context, c model.Completion) {
	if !s.Enabled() {
		return
	}
	if s.settings != nil {
		sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		st, err := s.settings.GetSettings(sctx)
		cancel()
		if err != nil {
			s.log.Warn("read settings failed", logx.Err(err))
			return
		}
		if !st.EnableNotifications {
			return
		}
	}
	if err := s.enqueue(job{taskID: c.TaskID, text: Format(c)}); err != nil {
		s.log.Warn("completion notification not queued", logx.String("task_id", c.TaskID), logx.Err(err))
	}
}

// Notify queues an arbitrary operator text.
func (s *Service) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.enqueue(job{text: text})
}

func (s *Service) enqueue(j job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if s.queue == nil {
		return ErrStopped
	}
	select {
	case s.queue <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// Format renders the completion summary sent to the operator.
func Format(c model.Completion) string {
	n := c.Results.Counts()
	text := fmt.Sprintf("%s Complete\nSuccess: %d, Failed: %d, Skipped: %d",
		c.Task.Title(), n.Success, n.Failed, n.Skipped)
	if c.Stopped {
		text += "\nStopped by operator"
	}
	return text
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()
	if s.sender == nil || j.text == "" {
		return
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := s.sender.SendText(callCtx, cfg.Target, j.text, nil)
		cancel()
		if err == nil {
			s.appendHistory(j.text)
			now := time.Now()
			s.bus.Publish(eventbus.Event{Type: TypeSent, Time: now, Data: NotificationEvent{TaskID: j.taskID, ChatID: cfg.Target.ChatID, At: now}})
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("notification dropped", logx.String("task_id", j.taskID), logx.Err(lastErr))
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: TypeFailed, Time: now, Data: NotificationEvent{TaskID: j.taskID, ChatID: cfg.Target.ChatID, At: now, Error: lastErr.Error()}})
}

// retryDelay is base * 2^(attempt-1) with 0.7..1.3 jitter, capped.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
