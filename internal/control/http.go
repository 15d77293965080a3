package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"autoreach/internal/automation"
	"autoreach/internal/eventbus"
	"autoreach/internal/model"
	logx "autoreach/pkg/logx"
)

const maxBodyBytes = 8 << 20 // media arrives inline as base64

// HTTPConfig controls the HTTP listener.
type HTTPConfig struct {
	Enabled       bool
	Addr          string
	Token         string
	ReadTimeout   time.Duration
	IdleTimeout   time.Duration
	AllowInsecure bool
	// Pprof mounts /debug/pprof/ on the same listener.
	Pprof bool
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8088"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	return c
}

// Deps are the collaborators served over HTTP. Metrics and Connected are
// optional.
type Deps struct {
	Engine    Controller
	Directory automation.Directory
	Store     Store
	Bus       eventbus.Bus
	Metrics   http.Handler
	Connected func() bool
	Log       logx.Logger
}

// Server manages the HTTP control listener lifecycle.
type Server struct {
	d Deps

	mu    sync.Mutex
	token string
	pprof bool
	want  string // configured address; addr is the bound one
	srv   *http.Server
	ln    net.Listener
	addr  string
}

func NewServer(d Deps) *Server {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	return &Server{d: d}
}

// Apply starts, restarts or stops the listener according to cfg.
func (s *Server) Apply(ctx context.Context, cfg HTTPConfig) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return nil
	}
	if cfg.Token == "" && !cfg.AllowInsecure && !isLoopback(cfg.Addr) {
		s.stopLocked(ctx)
		return fmt.Errorf("control.http: refusing to listen on %s without a token", cfg.Addr)
	}
	s.token = cfg.Token
	if s.srv != nil && s.want == cfg.Addr && s.pprof == cfg.Pprof {
		return nil
	}
	s.pprof, s.want = cfg.Pprof, cfg.Addr
	s.stopLocked(ctx)
	return s.startLocked(cfg)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) startLocked(cfg HTTPConfig) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("control.http listen: %w", err)
	}
	srv := &http.Server{
		Handler:           s.handler(cfg.Pprof),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	s.srv, s.ln, s.addr = srv, ln, ln.Addr().String()
	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.d.Log.Warn("control server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.d.Log.Info("control api listening", logx.String("addr", addr), logx.Bool("auth", cfg.Token != ""))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, addr := s.srv, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""
	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.d.Log.Warn("control shutdown error", logx.String("addr", addr), logx.Err(err))
		_ = srv.Close()
	}
	s.d.Log.Info("control api stopped", logx.String("addr", addr))
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler builds the routed, authenticated handler.
func (s *Server) Handler() http.Handler { return s.handler(false) }

func (s *Server) handler(pprof bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tasks", s.handleStart)
	mux.HandleFunc("POST /api/pause", s.command(automation.PauseCommand{}))
	mux.HandleFunc("POST /api/resume", s.command(automation.ResumeCommand{}))
	mux.HandleFunc("POST /api/stop", s.command(automation.StopCommand{}))
	mux.HandleFunc("GET /api/state", s.command(automation.QueryCommand{}))
	mux.HandleFunc("GET /api/results/{task}", s.handleResults)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
	mux.HandleFunc("POST /api/settings/reset", s.handleResetSettings)
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("DELETE /api/logs", s.handleClearLogs)
	mux.HandleFunc("DELETE /api/history", s.handleClearHistory)
	mux.HandleFunc("GET /api/budget", s.handleBudget)
	mux.HandleFunc("POST /api/budget/reset", s.handleBudgetReset)
	mux.HandleFunc("GET /api/groups", s.handleGroups)
	mux.HandleFunc("GET /api/contacts", s.handleContacts)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	if s.d.Metrics != nil {
		mux.Handle("GET /metrics", s.d.Metrics)
	}
	if pprof {
		mountPprof(mux)
	}
	return s.authenticate(mux)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token := s.token
		s.mu.Unlock()
		if token != "" && r.URL.Path != "/api/health" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// SetToken swaps the bearer token without restarting the listener.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// TaskRequest is the body of POST /api/tasks. A nil Config selects the
// task's defaults.
type TaskRequest struct {
	Task     model.TaskType        `json:"task"`
	GroupID  string                `json:"group_id,omitempty"`
	Targets  automation.TargetSpec `json:"targets"`
	Template string                `json:"template,omitempty"`
	Config   *automation.RunConfig `json:"config,omitempty"`
}

// Request converts the wire form into an engine request.
func (t TaskRequest) Request() (automation.Request, error) {
	targets, err := t.Targets.Targets()
	if err != nil {
		return automation.Request{}, err
	}
	cfg := automation.DefaultRunConfig(t.Task)
	if t.Config != nil {
		cfg = *t.Config
	}
	return automation.Request{
		Task:     t.Task,
		GroupID:  t.GroupID,
		Targets:  targets,
		Template: t.Template,
		Config:   cfg,
	}, nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body TaskRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req, err := body.Request()
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	reply, err := s.d.Engine.Handle(r.Context(), automation.StartCommand{Request: req})
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": reply.TaskID})
}

func (s *Server) command(cmd automation.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply, err := s.d.Engine.Handle(r.Context(), cmd)
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		writeJSON(w, http.StatusOK, reply.State)
	}
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	task := model.TaskType(r.PathValue("task"))
	if !task.Valid() {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown task %q", task))
		return
	}
	rs, ok, err := s.d.Store.GetResults(r.Context(), task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no results for %s", task))
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.d.Store.GetSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	// Start from the stored values so partial bodies only change what they name.
	st, err := s.d.Store.GetSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := decode(r, &st); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if st.MaxPerHour < 0 || st.CooldownMinutes < 0 || st.TypingDurationSec < 0 {
		writeError(w, http.StatusBadRequest, errors.New("settings must be >= 0"))
		return
	}
	if err := s.d.Store.SaveSettings(r.Context(), st); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleResetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.d.Store.ResetSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	logs, err := s.d.Store.Logs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if logs == nil {
		logs = []model.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if err := s.d.Store.ClearLogs(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.d.Store.ClearMessageHistory(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	b, err := s.d.Store.GetActionBudget(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBudgetReset(w http.ResponseWriter, r *http.Request) {
	if err := s.d.Store.ResetActionBudget(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.handleBudget(w, r)
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.d.Directory.ListGroups(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if groups == nil {
		groups = []model.Group{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.d.Directory.ListContacts(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if contacts == nil {
		contacts = []model.Contact{}
	}
	writeJSON(w, http.StatusOK, contacts)
}

type health struct {
	Status    string      `json:"status"`
	Connected bool        `json:"connected"`
	State     model.State `json:"state"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := health{Status: "ok", Connected: true}
	if s.d.Connected != nil {
		h.Connected = s.d.Connected()
	}
	if reply, err := s.d.Engine.Handle(r.Context(), automation.QueryCommand{}); err == nil {
		h.State = reply.State.State
	}
	writeJSON(w, http.StatusOK, h)
}

func decode(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return err
	}
	if len(b) > maxBodyBytes {
		return errors.New("request body too large")
	}
	if len(b) == 0 {
		return errors.New("empty request body")
	}
	return sonic.Unmarshal(b, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, automation.ErrAlreadyRunning), errors.Is(err, automation.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, automation.ErrInvalidRequest), errors.Is(err, automation.ErrEmptyTargets):
		return http.StatusBadRequest
	case errors.Is(err, automation.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
