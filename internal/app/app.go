package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autoreach/internal/automation"
	"autoreach/internal/config"
	"autoreach/internal/control"
	"autoreach/internal/eventbus"
	"autoreach/internal/metrics"
	"autoreach/internal/notifier"
	"autoreach/internal/provider/dryrun"
	providertg "autoreach/internal/provider/telegram"
	rtsup "autoreach/internal/runtime/supervisor"
	"autoreach/internal/schedule"
	"autoreach/internal/storage"
	kit "autoreach/internal/transport"
	telegram "autoreach/internal/transport/telegram/adapter"
	logx "autoreach/pkg/logx"
)

// provider is what the app needs from a messaging backend.
type provider interface {
	automation.Provider
	Connected() bool
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	// adapter is nil when no bot token is configured.
	adapter *telegram.Adapter
	prov    provider

	engine  *automation.Engine
	notif   *notifier.Service
	sched   *schedule.Service
	metrics *metrics.Collector
	http    *control.Server
	chat    *control.ChatCommands

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var ad *telegram.Adapter
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		timeout, err := pollTimeout(cfg)
		if err != nil {
			return nil, err
		}
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		if ad, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: timeout}, bootLog); err != nil {
			return nil, err
		}
	}

	// The chat sink needs a sender; leave the interface nil without a bot.
	var sender logx.Sender
	if ad != nil {
		sender = ad
	}
	logSvc, log := logx.New(mapLoggingConfig(cfg), sender)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		if errors.Is(err, storage.ErrDisabled) {
			return nil, fmt.Errorf("storage.driver %q: the engine needs a store", sc.Driver)
		}
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", storageDriver(sc.Driver)))

	prov, err := newProvider(cfg, ad, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	timings, err := mapTimings(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	eng := automation.New(automation.Deps{
		Provider: prov,
		Store:    store,
		Bus:      bus,
		Log:      log.With(logx.String("comp", "engine")),
		Timings:  timings,
	})

	var nsender notifier.Sender
	if ad != nil {
		nsender = ad
	}
	notif := notifier.New(mapNotifierConfig(cfg), nsender, store, bus, log.With(logx.String("comp", "notifier")))
	sched := schedule.New(mapScheduleConfig(cfg), store, log.With(logx.String("comp", "schedule")))

	var col *metrics.Collector
	deps := control.Deps{
		Engine:    eng,
		Directory: prov,
		Store:     store,
		Bus:       bus,
		Connected: prov.Connected,
		Log:       log.With(logx.String("comp", "control")),
	}
	if cfg.Metrics.Enabled {
		col = metrics.NewCollector()
		deps.Metrics = col.Handler()
	}

	var chat *control.ChatCommands
	if cfg.Control.Telegram {
		if ad == nil {
			log.Warn("control.telegram is enabled but telegram.token is empty; chat commands disabled")
		} else {
			chat = control.NewChatCommands(eng, ad, cfg.Telegram.OwnerUserIDs, log.With(logx.String("comp", "chat")))
		}
	}

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		prov:    prov,
		engine:  eng,
		notif:   notif,
		sched:   sched,
		metrics: col,
		http:    control.NewServer(deps),
		chat:    chat,
		updates: make(chan kit.Update, 256),
	}, nil
}

func newProvider(cfg *config.Config, ad *telegram.Adapter, log logx.Logger) (provider, error) {
	groups, contacts := mapGroups(cfg.Telegram.Groups), mapContacts(cfg.Telegram.Contacts)
	driver := strings.ToLower(strings.TrimSpace(cfg.Provider.Driver))
	switch driver {
	case "", "dryrun":
		latency, err := config.ParseDurationOrDefault("provider.dryrun.latency", cfg.Provider.DryRun.Latency, 0)
		if err != nil {
			return nil, err
		}
		log.Info("provider: dry run, no messages leave the process")
		return dryrun.New(dryrun.Config{
			Latency:       latency,
			ThrottleEvery: cfg.Provider.DryRun.ThrottleEvery,
			Groups:        groups,
			Contacts:      contacts,
		}, log.With(logx.String("comp", "dryrun"))), nil
	case "telegram":
		if ad == nil {
			return nil, errors.New("provider.driver telegram requires telegram.token")
		}
		return providertg.New(ad.Bot(), providertg.Config{
			Groups:   groups,
			Contacts: contacts,
		}, log.With(logx.String("comp", "provider"))), nil
	default:
		return nil, fmt.Errorf("unknown provider.driver %q", driver)
	}
}

func storageDriver(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}

// Engine exposes the automation engine; used by tests and the CLI.
func (a *App) Engine() *automation.Engine { return a.engine }

// Store exposes the opened store.
func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapHTTPConfig(cfg); err != nil {
			return err
		}
		_, err := pollTimeout(cfg)
		return err
	})

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		if a.chat != nil {
			if err := a.adapter.SetCommands(a.sup.Context(), control.Commands); err != nil {
				a.log.Warn("set bot commands failed", logx.Err(err))
			}
		}
	}
	if a.chat != nil {
		a.sup.Go0("chat.commands", func(c context.Context) { a.chat.Run(c, a.updates) })
	} else if a.adapter != nil {
		// nothing consumes updates; keep the adapter from reporting drops
		a.sup.Go0("updates.discard", func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case <-a.updates:
				}
			}
		})
	}

	if a.metrics != nil {
		a.sup.Go0("metrics", func(c context.Context) { a.metrics.Run(c, a.bus) })
	}
	a.sup.Go0("eventbus.log", a.logEvents)

	a.notif.Start(a.sup.Context())
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	hc, err := mapHTTPConfig(a.cfgm.Get())
	if err != nil {
		return err
	}
	if err := a.http.Apply(a.sup.Context(), hc); err != nil {
		return err
	}
	if a.metrics != nil && !hc.Enabled {
		a.log.Warn("metrics.enabled has no effect while control.http is disabled")
	}

	cfgCh := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(cfgCh)
		prev := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-cfgCh:
				if !ok {
					return
				}
				a.applyConfig(c, prev, newCfg)
				prev = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("provider", providerName(a.cfgm.Get())), logx.String("http", a.http.Addr()))
	return nil
}

func providerName(cfg *config.Config) string {
	if d := strings.TrimSpace(cfg.Provider.Driver); d != "" {
		return d
	}
	return "dryrun"
}

// applyConfig hot-applies the sections that do not need a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if t, err := mapTimings(newCfg); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.SetTimings(t)
	}
	a.notif.Apply(mapNotifierConfig(newCfg))
	if err := a.sched.Apply(ctx, mapScheduleConfig(newCfg)); err != nil {
		a.log.Warn("invalid schedule config; keeping previous", logx.Err(err))
	}
	if hc, err := mapHTTPConfig(newCfg); err != nil {
		a.log.Warn("invalid control config; keeping previous", logx.Err(err))
	} else if err := a.http.Apply(ctx, hc); err != nil {
		a.log.Warn("control api not applied", logx.Err(err))
	}
	if oldCfg.Control.Telegram != newCfg.Control.Telegram {
		a.log.Warn("control.telegram changes need a restart")
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// logEvents mirrors state changes into the process log at debug level.
func (a *App) logEvents(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type == eventbus.TypeState {
				a.log.Debug("engine state", logx.Any("change", ev.Data))
			}
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; report the leak if it does not.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("control", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("schedule", 1*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 5*time.Second, func(c context.Context) error { return a.engine.Close(c) })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter != nil {
			return a.adapter.Stop(c)
		}
		return nil
	})
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, chat commands, metrics).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
