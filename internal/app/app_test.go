package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoreach/internal/automation"
	"autoreach/internal/config"
	"autoreach/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

const dryRunConfig = `{
  "logging": {"level": "error"},
  "provider": {"driver": "dryrun"},
  "telegram": {"groups": [{"id": "g1", "name": "Ops"}]},
  "control": {"http": {"enabled": true, "addr": "127.0.0.1:0"}},
  "metrics": {"enabled": true},
  "engine": {"add_batch_break": "1ms", "add_jitter": "1ms"},
  "defaults": {"max_per_hour": 5}
}`

func TestAppRunsDryRunTask(t *testing.T) {
	a, err := NewApp(writeConfig(t, dryRunConfig))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		require.NoError(t, a.Stop(sctx, StopSIGTERM))
	}()

	addr := a.http.Addr()
	require.NotEmpty(t, addr)
	resp, err := http.Get("http://" + addr + "/api/health")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, true, health["connected"])

	st, err := a.Store().GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, st.MaxPerHour)

	_, err = a.Engine().Start(ctx, automation.Request{
		Task:    model.TaskAddMembers,
		GroupID: "g1",
		Targets: automation.Numbers{Phones: []string{"+15550001"}},
		Config:  automation.RunConfig{BatchSize: 10},
	})
	require.NoError(t, err)
	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	require.NoError(t, a.Engine().Wait(wctx))

	res, ok, err := a.Store().GetResults(ctx, model.TaskAddMembers)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, res.Success, 1)

	resp, err = http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewAppRejectsTelegramWithoutToken(t *testing.T) {
	_, err := NewApp(writeConfig(t, `{"provider": {"driver": "telegram"}}`))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestMappers(t *testing.T) {
	cfg := &config.Config{
		Telegram: config.TelegramConfig{
			OperatorChat: "-100",
			Contacts:     []config.DirectoryEntry{{ID: "42", Name: "Ann"}, {ID: "7", Name: "Bo", Phone: "+7"}},
		},
		Logging:  config.LoggingConfig{Chat: config.LoggingChat{Enabled: true, ThreadID: 3}},
		Notifier: config.NotifierConfig{Enabled: true},
		Storage:  &config.StorageConfig{Driver: "sqlite", Path: " ./x.db ", BusyTimeout: "2s"},
		Engine:   config.EngineConfig{BudgetCooloff: "5s"},
	}

	lc := mapLoggingConfig(cfg)
	assert.Equal(t, int64(-100), lc.Chat.ChatID)
	assert.Equal(t, 3, lc.Chat.ThreadID)

	nc := mapNotifierConfig(cfg)
	assert.Equal(t, int64(-100), nc.Target.ChatID)
	assert.Equal(t, 3, nc.Target.ThreadID)

	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "./x.db", sc.Path)
	assert.Equal(t, 2*time.Second, sc.BusyTimeout)
	assert.Equal(t, model.DefaultSettings(), sc.Seed)

	tm, err := mapTimings(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, tm.BudgetCooloff)

	contacts := mapContacts(cfg.Telegram.Contacts)
	assert.Equal(t, []model.Contact{{ID: "42", Name: "Ann", Phone: "42"}, {ID: "7", Name: "Bo", Phone: "+7"}}, contacts)

	cfg.Storage.BusyTimeout = "soon"
	_, err = mapStorageConfig(cfg)
	assert.Error(t, err)
}
