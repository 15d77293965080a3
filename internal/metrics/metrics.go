// Package metrics exposes engine activity as Prometheus metrics.
//
// The Collector owns its own registry and is fed from the event bus, so the
// engine never calls into it directly.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autoreach/internal/eventbus"
	"autoreach/internal/model"
)

const namespace = "autoreach"

var states = []model.State{model.StateIdle, model.StateRunning, model.StatePaused, model.StateStopping}

type Collector struct {
	reg *prometheus.Registry

	tasksStarted   *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	outcomes       *prometheus.CounterVec
	logEntries     *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	state          *prometheus.GaugeVec
	progress       prometheus.Gauge
	notifications  *prometheus.CounterVec
}

func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_started_total",
			Help:      "Tasks admitted by the engine",
		}, []string{"task"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Tasks that left the loop, by whether they were stopped",
		}, []string{"task", "stopped"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Per-recipient outcomes",
		}, []string{"task", "kind"}),
		logEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_entries_total",
			Help:      "Activity log entries by level",
		}, []string{"level"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time of finished tasks",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"task"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_state",
			Help:      "1 for the engine's current state",
		}, []string{"state"}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_progress_ratio",
			Help:      "Fraction of the current task's recipients reached",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Operator notifications by result",
		}, []string{"result"}),
	}
	c.reg.MustRegister(
		c.tasksStarted, c.tasksCompleted, c.outcomes, c.logEntries,
		c.taskDuration, c.state, c.progress, c.notifications,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.setState(model.StateIdle)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

func (c *Collector) setState(s model.State) {
	for _, st := range states {
		v := 0.0
		if st == s {
			v = 1
		}
		c.state.WithLabelValues(string(st)).Set(v)
	}
}

// Observe folds one bus event into the metrics.
func (c *Collector) Observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case model.StateChange:
		c.setState(d.To)
		if d.From == model.StateIdle && d.To == model.StateRunning {
			c.tasksStarted.WithLabelValues(string(d.Task)).Inc()
			c.progress.Set(0)
		}
	case model.Outcome:
		c.outcomes.WithLabelValues(string(d.Task), string(d.Kind)).Inc()
	case model.LogEntry:
		c.logEntries.WithLabelValues(string(d.Level)).Inc()
	case model.Progress:
		if d.Total > 0 {
			c.progress.Set(float64(d.Current) / float64(d.Total))
		}
	case model.Completion:
		c.tasksCompleted.WithLabelValues(string(d.Task), strconv.FormatBool(d.Stopped)).Inc()
		if !d.StartedAt.IsZero() && d.FinishedAt.After(d.StartedAt) {
			c.taskDuration.WithLabelValues(string(d.Task)).Observe(d.FinishedAt.Sub(d.StartedAt).Seconds())
		}
	default:
		switch ev.Type {
		case "notifier.sent":
			c.notifications.WithLabelValues("sent").Inc()
		case "notifier.failed":
			c.notifications.WithLabelValues("failed").Inc()
		}
	}
}

// Run consumes the bus until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) {
	events, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.Observe(ev)
		}
	}
}
