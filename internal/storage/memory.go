package storage

import (
	"context"
	"sync"
	"time"

	"autoreach/internal/model"
)

// state is the durable part of a memory or file store.
type state struct {
	Settings *model.Settings                    `json:"settings,omitempty"`
	Budget   model.ActionBudget                 `json:"budget"`
	History  model.MessageHistory               `json:"history"`
	Results  map[model.TaskType]model.ResultSet `json:"results"`
}

func newState() *state {
	return &state{
		History: model.MessageHistory{},
		Results: map[model.TaskType]model.ResultSet{},
	}
}

// memStore keeps everything in process memory. fileStore wraps it and adds
// persistence through the onChange hook.
type memStore struct {
	mu   sync.Mutex
	st   *state
	logs []model.LogEntry // oldest first

	seed model.Settings
	now  func() time.Time

	// onChange runs under mu after a state mutation.
	onChange func() error
	// onLog runs under mu after a log append; onClearLogs after ClearLogs.
	onLog       func(e model.LogEntry) error
	onClearLogs func() error
}

// NewMemory returns a process-local store.
func NewMemory(cfg Config) Store {
	return newMemStore(cfg)
}

func newMemStore(cfg Config) *memStore {
	return &memStore{st: newState(), seed: cfg.seed(), now: cfg.clock()}
}

func (s *memStore) changed() error {
	if s.onChange == nil {
		return nil
	}
	return s.onChange()
}

func (s *memStore) GetSettings(ctx context.Context) (model.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.Settings == nil {
		return s.seed, nil
	}
	return *s.st.Settings, nil
}

func (s *memStore) SaveSettings(ctx context.Context, v model.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Settings = &v
	return s.changed()
}

func (s *memStore) ResetSettings(ctx context.Context) (model.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.seed
	s.st.Settings = &v
	return v, s.changed()
}

func (s *memStore) GetActionBudget(ctx context.Context) (model.ActionBudget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, rolled := s.st.Budget.Rolled(s.now())
	if rolled {
		s.st.Budget = b
		return b, s.changed()
	}
	return b, nil
}

func (s *memStore) IncrementActionBudget(ctx context.Context) (model.ActionBudget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, _ := s.st.Budget.Rolled(s.now())
	b.Count++
	s.st.Budget = b
	return b, s.changed()
}

func (s *memStore) ResetActionBudget(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Budget = model.ActionBudget{Count: 0, WindowStartMs: s.now().UnixMilli()}
	return s.changed()
}

func (s *memStore) GetMessageHistory(ctx context.Context) (model.MessageHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(model.MessageHistory, len(s.st.History))
	for k, v := range s.st.History {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) RecordMessageSent(ctx context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.st.History[phone]
	h.LastSentMs = s.now().UnixMilli()
	h.Count++
	s.st.History[phone] = h
	return s.changed()
}

func (s *memStore) ClearMessageHistory(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.History = model.MessageHistory{}
	return s.changed()
}

func (s *memStore) SaveResults(ctx context.Context, task model.TaskType, r model.ResultSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Results[task] = r.Clone()
	return s.changed()
}

func (s *memStore) GetResults(ctx context.Context, task model.TaskType) (model.ResultSet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.st.Results[task]
	if !ok {
		return model.ResultSet{}, false, nil
	}
	return r.Clone(), true, nil
}

func (s *memStore) AppendLog(ctx context.Context, e model.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Time.IsZero() {
		e.Time = s.now()
	}
	s.logs = append(s.logs, e)
	if n := len(s.logs) - model.MaxLogEntries; n > 0 {
		s.logs = append([]model.LogEntry(nil), s.logs[n:]...)
	}
	if s.onLog != nil {
		return s.onLog(e)
	}
	return nil
}

func (s *memStore) Logs(ctx context.Context, limit int) ([]model.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.logs, limit), nil
}

func (s *memStore) ClearLogs(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = nil
	if s.onClearLogs != nil {
		return s.onClearLogs()
	}
	return nil
}

func (s *memStore) Close() error { return nil }

func newestFirst(logs []model.LogEntry, limit int) []model.LogEntry {
	n := len(logs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.LogEntry, 0, n)
	for i := len(logs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, logs[i])
	}
	return out
}
