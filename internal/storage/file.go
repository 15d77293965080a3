package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"

	"autoreach/internal/model"
	logx "autoreach/pkg/logx"
)

// fileStore is the dependency-light persistence backend.
//
// Files:
//   - <prefix>.state.json      (settings, budget, history, results; rewritten atomically)
//   - <prefix>.activity.jsonl  (append-only activity log, compacted when it grows)
type fileStore struct {
	*memStore
	log logx.Logger

	statePath string
	logPath   string
	logFile   *os.File
	logLines  int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	fs := &fileStore{
		memStore:  newMemStore(cfg),
		log:       log,
		statePath: prefix + ".state.json",
		logPath:   prefix + ".activity.jsonl",
	}
	if err := loadSnapshot(fs.statePath, fs.st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	logs, lines, err := replayLog(fs.logPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	fs.logs = logs
	fs.logLines = lines

	lf, err := os.OpenFile(fs.logPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	fs.logFile = lf

	fs.onChange = fs.writeSnapshotLocked
	fs.onLog = fs.appendLogLocked
	fs.onClearLogs = fs.truncateLogLocked
	return fs, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile == nil {
		return nil
	}
	err := s.logFile.Close()
	s.logFile = nil
	return err
}

func (s *fileStore) writeSnapshotLocked() error {
	b, err := json.Marshal(s.st)
	if err != nil {
		return err
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}

func (s *fileStore) appendLogLocked(e model.LogEntry) error {
	if s.logFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.logFile).Encode(e); err != nil {
		return err
	}
	s.logLines++
	if s.logLines >= 2*model.MaxLogEntries {
		if err := s.compactLogLocked(); err != nil {
			s.log.Debug("activity log compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLogLocked rewrites the log file with the retained entries only.
func (s *fileStore) compactLogLocked() error {
	if err := s.logFile.Truncate(0); err != nil {
		return err
	}
	if _, err := s.logFile.Seek(0, 0); err != nil {
		return err
	}
	w := bufio.NewWriter(s.logFile)
	enc := json.NewEncoder(w)
	for _, e := range s.logs {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	s.logLines = len(s.logs)
	return nil
}

func (s *fileStore) truncateLogLocked() error {
	if s.logFile == nil {
		return ErrClosed
	}
	if err := s.logFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.logFile.Seek(0, 0)
	s.logLines = 0
	return err
}

func loadSnapshot(path string, into *state) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := sonic.Unmarshal(b, into); err != nil {
		return err
	}
	if into.History == nil {
		into.History = model.MessageHistory{}
	}
	if into.Results == nil {
		into.Results = map[model.TaskType]model.ResultSet{}
	}
	return nil
}

// replayLog returns the newest MaxLogEntries entries (oldest first) and the
// number of lines in the file.
func replayLog(path string) ([]model.LogEntry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		out   []model.LogEntry
		lines int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines++
		var e model.LogEntry
		if err := sonic.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
		if len(out) > 2*model.MaxLogEntries {
			out = append([]model.LogEntry(nil), out[len(out)-model.MaxLogEntries:]...)
		}
	}
	if n := len(out) - model.MaxLogEntries; n > 0 {
		out = out[n:]
	}
	return out, lines, sc.Err()
}
