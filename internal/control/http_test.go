package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoreach/internal/automation"
	"autoreach/internal/eventbus"
	"autoreach/internal/model"
	"autoreach/internal/provider/dryrun"
	"autoreach/internal/storage"
	logx "autoreach/pkg/logx"
)

type fixture struct {
	srv    *httptest.Server
	engine *automation.Engine
	store  storage.Store
	bus    eventbus.Bus
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	bus := eventbus.New()
	store := storage.NewMemory(storage.Config{})
	prov := dryrun.New(dryrun.Config{
		Groups:  []model.Group{{ID: "g1", Name: "Ops"}},
		Members: map[string][]string{"g1": {"+2"}},
	}, logx.Nop())
	eng := automation.New(automation.Deps{Provider: prov, Store: store, Bus: bus})
	s := NewServer(Deps{
		Engine:    eng,
		Directory: prov,
		Store:     store,
		Bus:       bus,
		Metrics:   http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) }),
		Connected: prov.Connected,
	})
	s.SetToken(token)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})
	return &fixture{srv: srv, engine: eng, store: store, bus: bus}
}

func (f *fixture) do(t *testing.T, method, path, body, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	if resp.StatusCode != http.StatusNoContent && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var raw any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
		out, _ = raw.(map[string]any)
	}
	return resp, out
}

const addBody = `{"task":"addMembers","group_id":"g1","targets":{"type":"numbers","numbers":["+1","+2"]},"config":{"delay_ms":0,"batch_size":10}}`

func TestStartTaskAndReadResults(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	resp, out := f.do(t, http.MethodPost, "/api/tasks", addBody, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, out["task_id"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Wait(ctx))

	resp, out = f.do(t, http.MethodGet, "/api/results/addMembers", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["success"], 1)
	assert.Len(t, out["skipped"], 1)

	resp, out = f.do(t, http.MethodGet, "/api/state", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", out["state"])

	resp, _ = f.do(t, http.MethodGet, "/api/results/bulkMessages", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartRejectsBadRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	resp, _ := f.do(t, http.MethodPost, "/api/tasks", `{"task":"fax","targets":{"type":"numbers","numbers":["1"]}}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/tasks", `{"task":"addMembers","group_id":"g1","targets":{"type":"carrier-pigeon"}}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/tasks", `not json`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/pause", "", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	resp, out := f.do(t, http.MethodPut, "/api/settings", `{"max_per_hour":7}`, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 7, out["max_per_hour"])
	assert.EqualValues(t, 15, out["cooldown_minutes"])

	st, err := f.store.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, st.MaxPerHour)

	resp, _ = f.do(t, http.MethodPut, "/api/settings", `{"max_per_hour":-1}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, out = f.do(t, http.MethodPost, "/api/settings/reset", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 50, out["max_per_hour"])
}

func TestLogsHistoryAndBudget(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.store.AppendLog(ctx, model.LogEntry{Level: model.LogInfo, Message: "a"}))
	require.NoError(t, f.store.AppendLog(ctx, model.LogEntry{Level: model.LogInfo, Message: "b"}))
	_, err := f.store.IncrementActionBudget(ctx)
	require.NoError(t, err)

	resp, err := f.srv.Client().Get(f.srv.URL + "/api/logs?limit=1")
	require.NoError(t, err)
	var logs []model.LogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&logs))
	resp.Body.Close()
	require.Len(t, logs, 1)
	assert.Equal(t, "b", logs[0].Message)

	r, _ := f.do(t, http.MethodGet, "/api/logs?limit=x", "", "")
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)

	r, _ = f.do(t, http.MethodDelete, "/api/logs", "", "")
	assert.Equal(t, http.StatusNoContent, r.StatusCode)
	left, err := f.store.Logs(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, left)

	r, _ = f.do(t, http.MethodDelete, "/api/history", "", "")
	assert.Equal(t, http.StatusNoContent, r.StatusCode)

	r, out := f.do(t, http.MethodGet, "/api/budget", "", "")
	require.Equal(t, http.StatusOK, r.StatusCode)
	assert.EqualValues(t, 1, out["count"])
	r, out = f.do(t, http.MethodPost, "/api/budget/reset", "", "")
	require.Equal(t, http.StatusOK, r.StatusCode)
	assert.EqualValues(t, 0, out["count"])
}

func TestDirectoryAndHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	resp, err := f.srv.Client().Get(f.srv.URL + "/api/groups")
	require.NoError(t, err)
	var groups []model.Group
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&groups))
	resp.Body.Close()
	assert.Equal(t, []model.Group{{ID: "g1", Name: "Ops"}}, groups)

	r, out := f.do(t, http.MethodGet, "/api/health", "", "")
	require.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, true, out["connected"])
	assert.Equal(t, "idle", out["state"])

	r, _ = f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, r.StatusCode)
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "s3cret")

	r, _ := f.do(t, http.MethodGet, "/api/state", "", "")
	assert.Equal(t, http.StatusUnauthorized, r.StatusCode)
	r, _ = f.do(t, http.MethodGet, "/api/state", "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, r.StatusCode)
	r, _ = f.do(t, http.MethodGet, "/api/state", "", "s3cret")
	assert.Equal(t, http.StatusOK, r.StatusCode)
	r, _ = f.do(t, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, r.StatusCode)
}

func TestEventsStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The handler subscribes before writing the first comment line.
	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	assert.Equal(t, ": connected", sc.Text())

	f.bus.Publish(eventbus.Event{Type: eventbus.TypeLog, Data: model.LogEntry{Level: model.LogInfo, Message: "hello"}})
	var lines []string
	for sc.Scan() {
		if sc.Text() == "" && len(lines) > 0 {
			break
		}
		if sc.Text() != "" {
			lines = append(lines, sc.Text())
		}
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "event: log", lines[0])
	assert.Contains(t, lines[1], `"message":"hello"`)
}

func TestApplyRefusesPublicListenerWithoutToken(t *testing.T) {
	t.Parallel()
	s := NewServer(Deps{})
	err := s.Apply(context.Background(), HTTPConfig{Enabled: true, Addr: "0.0.0.0:0"})
	assert.Error(t, err)

	require.NoError(t, s.Apply(context.Background(), HTTPConfig{Enabled: true, Addr: "127.0.0.1:0"}))
	assert.NotEmpty(t, s.Addr())
	require.NoError(t, s.Apply(context.Background(), HTTPConfig{Enabled: false}))
	assert.Empty(t, s.Addr())
}

func TestApplyMountsPprof(t *testing.T) {
	t.Parallel()
	s := NewServer(Deps{})
	require.NoError(t, s.Apply(context.Background(), HTTPConfig{Enabled: true, Addr: "127.0.0.1:0", Token: "t"}))
	t.Cleanup(func() { s.Stop(context.Background()) })

	get := func(path string) int {
		req, err := http.NewRequest(http.MethodGet, "http://"+s.Addr()+path, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer t")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusNotFound, get("/debug/pprof/cmdline"))

	require.NoError(t, s.Apply(context.Background(), HTTPConfig{Enabled: true, Addr: "127.0.0.1:0", Token: "t", Pprof: true}))
	assert.Equal(t, http.StatusOK, get("/debug/pprof/cmdline"))
	assert.Equal(t, http.StatusOK, get("/debug/pprof/"))
	assert.Equal(t, http.StatusOK, get("/debug/pprof/goroutine?debug=1"))
}
