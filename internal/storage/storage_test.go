package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoreach/internal/model"
	logx "autoreach/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type opener func(t *testing.T, cfg Config) Store

func drivers() map[string]opener {
	return map[string]opener{
		"memory": func(t *testing.T, cfg Config) Store {
			return NewMemory(cfg)
		},
		"file": func(t *testing.T, cfg Config) Store {
			cfg.Driver = "file"
			cfg.Path = filepath.Join(t.TempDir(), "autoreach.json")
			st, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"sqlite": func(t *testing.T, cfg Config) Store {
			cfg.Driver = "sqlite"
			cfg.Path = filepath.Join(t.TempDir(), "autoreach.db")
			st, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"redis": func(t *testing.T, cfg Config) Store {
			s := mrd.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
			cfg.Redis.Prefix = "test"
			return NewRedis(rdb, cfg, logx.Nop())
		},
	}
}

func eachDriver(t *testing.T, fn func(t *testing.T, st Store, clk *fakeClock)) {
	for name, open := range drivers() {
		open := open
		t.Run(name, func(t *testing.T) {
			clk := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
			st := open(t, Config{Now: clk.Now})
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st, clk)
		})
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store, _ *fakeClock) {
		ctx := context.Background()

		got, err := st.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.DefaultSettings(), got)

		custom := got
		custom.MaxPerHour = 5
		custom.SimulateTyping = false
		require.NoError(t, st.SaveSettings(ctx, custom))

		got, err = st.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, custom, got)

		reset, err := st.ResetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.DefaultSettings(), reset)
		got, err = st.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.DefaultSettings(), got)
	})
}

func TestActionBudgetWindow(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store, clk *fakeClock) {
		ctx := context.Background()
		start := clk.Now().UnixMilli()

		// A zero window is always older than an hour, so the first read rolls.
		b, err := st.GetActionBudget(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.ActionBudget{Count: 0, WindowStartMs: start}, b)

		for i := 0; i < 3; i++ {
			_, err = st.IncrementActionBudget(ctx)
			require.NoError(t, err)
		}
		clk.Advance(30 * time.Minute)
		b, err = st.GetActionBudget(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, b.Count)
		assert.Equal(t, start, b.WindowStartMs)

		// Exactly one hour is still the same window.
		clk.Advance(30 * time.Minute)
		b, err = st.GetActionBudget(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, b.Count)

		clk.Advance(time.Millisecond)
		b, err = st.GetActionBudget(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, b.Count)
		assert.Equal(t, clk.Now().UnixMilli(), b.WindowStartMs)

		_, err = st.IncrementActionBudget(ctx)
		require.NoError(t, err)
		require.NoError(t, st.ResetActionBudget(ctx))
		b, err = st.GetActionBudget(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, b.Count)
	})
}

func TestMessageHistory(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store, clk *fakeClock) {
		ctx := context.Background()
		require.NoError(t, st.RecordMessageSent(ctx, "6281"))
		clk.Advance(time.Minute)
		require.NoError(t, st.RecordMessageSent(ctx, "6281"))
		require.NoError(t, st.RecordMessageSent(ctx, "6282"))

		h, err := st.GetMessageHistory(ctx)
		require.NoError(t, err)
		require.Len(t, h, 2)
		assert.Equal(t, 2, h["6281"].Count)
		assert.Equal(t, clk.Now().UnixMilli(), h["6281"].LastSentMs)

		require.NoError(t, st.ClearMessageHistory(ctx))
		h, err = st.GetMessageHistory(ctx)
		require.NoError(t, err)
		assert.Empty(t, h)
	})
}

func TestResultsPerTask(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store, clk *fakeClock) {
		ctx := context.Background()

		_, ok, err := st.GetResults(ctx, model.TaskAddMembers)
		require.NoError(t, err)
		assert.False(t, ok)

		rs := model.ResultSet{
			Success: []model.SuccessRecord{{Subject: model.Recipient{Phone: "+1"}, Timestamp: clk.Now()}},
			Failed:  []model.OutcomeRecord{{Subject: model.Recipient{Phone: "+2"}, Reason: "Not on platform"}},
			Skipped: []model.OutcomeRecord{},
		}
		require.NoError(t, st.SaveResults(ctx, model.TaskAddMembers, rs))

		got, ok, err := st.GetResults(ctx, model.TaskAddMembers)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, rs.Counts(), got.Counts())
		assert.Equal(t, "Not on platform", got.Failed[0].Reason)
		assert.True(t, rs.Success[0].Timestamp.Equal(got.Success[0].Timestamp))

		_, ok, err = st.GetResults(ctx, model.TaskBulkMessages)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestActivityLogCap(t *testing.T) {
	eachDriver(t, func(t *testing.T, st Store, clk *fakeClock) {
		ctx := context.Background()
		total := model.MaxLogEntries + 25
		for i := 0; i < total; i++ {
			require.NoError(t, st.AppendLog(ctx, model.LogEntry{Level: model.LogInfo, Message: fmt.Sprintf("entry %d", i)}))
			clk.Advance(time.Millisecond)
		}

		logs, err := st.Logs(ctx, 0)
		require.NoError(t, err)
		require.Len(t, logs, model.MaxLogEntries)
		assert.Equal(t, fmt.Sprintf("entry %d", total-1), logs[0].Message)
		assert.Equal(t, "entry 25", logs[len(logs)-1].Message)

		head, err := st.Logs(ctx, 3)
		require.NoError(t, err)
		require.Len(t, head, 3)
		assert.Equal(t, logs[:3], head)

		require.NoError(t, st.ClearLogs(ctx))
		logs, err = st.Logs(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, logs)
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	cfg := Config{Driver: "file", Path: path}
	ctx := context.Background()

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	custom := model.DefaultSettings()
	custom.MaxPerHour = 7
	require.NoError(t, st.SaveSettings(ctx, custom))
	require.NoError(t, st.RecordMessageSent(ctx, "6281"))
	require.NoError(t, st.AppendLog(ctx, model.LogEntry{Level: model.LogWarning, Message: "budget exhausted"}))
	require.NoError(t, st.Close())

	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, err := st.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, got.MaxPerHour)
	h, err := st.GetMessageHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h["6281"].Count)
	logs, err := st.Logs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.LogWarning, logs[0].Level)
}

func TestOpenDrivers(t *testing.T) {
	_, err := Open(Config{Driver: "none"}, logx.Nop())
	require.ErrorIs(t, err, ErrDisabled)

	_, err = Open(Config{Driver: "etcd"}, logx.Nop())
	require.ErrorIs(t, err, ErrUnknownDriver)

	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	require.Error(t, err)

	st, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())
}
