package cli

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method, path, auth, body string
}

func newAPI(t *testing.T) (*httptest.Server, *[]recorded) {
	t.Helper()
	var (
		mu  sync.Mutex
		got []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, recorded{r.Method, r.URL.RequestURI(), r.Header.Get("Authorization"), string(b)})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/pause":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"no task is running"}`))
		case "/api/logs":
			if r.Method == http.MethodDelete {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			_, _ = w.Write([]byte(`[]`))
		default:
			_, _ = w.Write([]byte(`{"state":"idle"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCtlStatePrintsIndentedJSON(t *testing.T) {
	srv, got := newAPI(t)
	out, err := run(t, "", "ctl", "--addr", srv.URL, "--token", "s3", "state")
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"state\": \"idle\"\n}\n", out)
	require.Len(t, *got, 1)
	assert.Equal(t, recorded{http.MethodGet, "/api/state", "Bearer s3", ""}, (*got)[0])
}

func TestCtlReportsAPIErrors(t *testing.T) {
	srv, _ := newAPI(t)
	_, err := run(t, "", "ctl", "--addr", srv.URL, "pause")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "no task is running", apiErr.Message)
}

func TestCtlStartReadsStdin(t *testing.T) {
	srv, got := newAPI(t)
	body := `{"task":"bulkMessages","targets":{"type":"allGroups"},"template":"hi"}`
	_, err := run(t, body, "ctl", "--addr", srv.URL, "start")
	require.NoError(t, err)
	require.Len(t, *got, 1)
	assert.Equal(t, http.MethodPost, (*got)[0].method)
	assert.Equal(t, "/api/tasks", (*got)[0].path)
	assert.Equal(t, body, (*got)[0].body)
}

func TestCtlSubcommandRoutes(t *testing.T) {
	srv, got := newAPI(t)
	patch := filepath.Join(t.TempDir(), "patch.json")
	require.NoError(t, os.WriteFile(patch, []byte(`{"max_per_hour":3}`), 0o600))

	cases := [][]string{
		{"results", "addMembers"},
		{"settings", "-f", patch},
		{"settings", "reset"},
		{"logs", "-n", "5"},
		{"logs", "clear"},
		{"budget", "reset"},
		{"history", "clear"},
	}
	for _, c := range cases {
		_, err := run(t, "", append([]string{"ctl", "--addr", srv.URL}, c...)...)
		require.NoError(t, err, c)
	}
	want := []string{
		"GET /api/results/addMembers",
		"PUT /api/settings",
		"POST /api/settings/reset",
		"GET /api/logs?limit=5",
		"DELETE /api/logs",
		"POST /api/budget/reset",
		"DELETE /api/history",
	}
	var have []string
	for _, r := range *got {
		have = append(have, r.method+" "+r.path)
	}
	assert.Equal(t, want, have)
	assert.Equal(t, `{"max_per_hour":3}`, (*got)[1].body)
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("provider:\n  driver: dryrun\n"), 0o600))
	out, err := run(t, "", "validate", "-c", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"engine":{"add_jitter":"soon"}}`), 0o600))
	_, err = run(t, "", "validate", "-c", bad)
	assert.Error(t, err)
}

func TestNewClientAddsScheme(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8088", newClient("127.0.0.1:8088/", "", 0).base)
	assert.Equal(t, "https://ops.example", newClient("https://ops.example", "", 0).base)
}
