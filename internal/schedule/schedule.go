// Package schedule runs the optional hourly reset of the action budget.
//
// The engine already rolls the budget window on its own; this job only
// exists for operators who want the window aligned to the clock.
package schedule

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"autoreach/internal/config"
	logx "autoreach/pkg/logx"
)

type Config struct {
	// Spec is a cron spec or descriptor; empty disables the job.
	Spec     string
	Timezone string
}

// BudgetResetter is implemented by the stores.
type BudgetResetter interface {
	ResetActionBudget(ctx context.Context) error
}

type Service struct {
	mu    sync.Mutex
	cfg   Config
	store BudgetResetter
	log   logx.Logger

	c  *cron.Cron
	id cron.EntryID
}

func New(cfg Config, store BudgetResetter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: store, log: log}
}

// Start registers the job and starts triggering. It returns an error only for
// an unparsable spec or timezone.
func (s *Service) Start(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	spec := strings.TrimSpace(s.cfg.Spec)
	if spec == "" {
		s.log.Debug("budget reset disabled")
		return nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return err
		}
		loc = l
	}
	if s.store == nil {
		return errors.New("schedule: no store")
	}
	c := cron.New(cron.WithParser(config.CronParser), cron.WithLocation(loc))
	id, err := c.AddFunc(spec, func() { s.RunNow(context.Background()) })
	if err != nil {
		return err
	}
	s.c, s.id = c, id
	c.Start()
	s.log.Info("budget reset scheduled", logx.String("spec", spec), logx.String("tz", loc.String()), logx.Time("next", c.Entry(id).Next))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c, s.id = nil, 0
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply restarts the job when the spec or timezone changed.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	same := s.cfg == cfg
	s.cfg = cfg
	s.mu.Unlock()
	if same {
		return nil
	}
	s.Stop(ctx)
	return s.Start(ctx)
}

// Next is the next trigger time, zero when the job is not scheduled.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.id).Next
}

// RunNow resets the budget window once.
func (s *Service) RunNow(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.store.ResetActionBudget(ctx); err != nil {
		s.log.Warn("budget reset failed", logx.Err(err))
		return
	}
	s.log.Info("action budget reset")
}
