package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	_ "modernc.org/sqlite"

	"autoreach/internal/model"
	logx "autoreach/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS action_budget (
	id              INTEGER PRIMARY KEY CHECK (id = 1),
	count           INTEGER NOT NULL,
	window_start_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS message_history (
	phone        TEXT PRIMARY KEY,
	last_sent_ms INTEGER NOT NULL,
	count        INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
	task     TEXT PRIMARY KEY,
	payload  TEXT NOT NULL,
	saved_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS activity_log (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	at_ms   INTEGER NOT NULL,
	level   TEXT NOT NULL,
	message TEXT NOT NULL
);
`

const settingsKey = "settings"

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	seed model.Settings
	now  func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and ":memory:" is per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, seed: cfg.seed(), now: cfg.clock()}
	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetSettings(ctx context.Context) (model.Settings, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, settingsKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return s.seed, nil
	}
	if err != nil {
		return model.Settings{}, err
	}
	var v model.Settings
	if err := sonic.UnmarshalString(raw, &v); err != nil {
		return model.Settings{}, err
	}
	return v, nil
}

func (s *sqliteStore) SaveSettings(ctx context.Context, v model.Settings) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, settingsKey, string(b))
	return err
}

func (s *sqliteStore) ResetSettings(ctx context.Context) (model.Settings, error) {
	return s.seed, s.SaveSettings(ctx, s.seed)
}

func (s *sqliteStore) GetActionBudget(ctx context.Context) (model.ActionBudget, error) {
	var out model.ActionBudget
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b, rolled, err := s.budgetTx(ctx, tx)
		if err != nil {
			return err
		}
		out = b
		if rolled {
			return putBudgetTx(ctx, tx, b)
		}
		return nil
	})
	return out, err
}

func (s *sqliteStore) IncrementActionBudget(ctx context.Context) (model.ActionBudget, error) {
	var out model.ActionBudget
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b, _, err := s.budgetTx(ctx, tx)
		if err != nil {
			return err
		}
		b.Count++
		out = b
		return putBudgetTx(ctx, tx, b)
	})
	return out, err
}

func (s *sqliteStore) ResetActionBudget(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return putBudgetTx(ctx, tx, model.ActionBudget{WindowStartMs: s.now().UnixMilli()})
	})
}

// budgetTx reads the stored budget and applies the hourly rollover.
func (s *sqliteStore) budgetTx(ctx context.Context, tx *sql.Tx) (model.ActionBudget, bool, error) {
	var b model.ActionBudget
	err := tx.QueryRowContext(ctx, `SELECT count, window_start_ms FROM action_budget WHERE id = 1`).Scan(&b.Count, &b.WindowStartMs)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return model.ActionBudget{}, false, err
	}
	rb, rolled := b.Rolled(s.now())
	return rb, rolled, nil
}

func putBudgetTx(ctx context.Context, tx *sql.Tx, b model.ActionBudget) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO action_budget (id, count, window_start_ms) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET count = excluded.count, window_start_ms = excluded.window_start_ms`,
		b.Count, b.WindowStartMs)
	return err
}

func (s *sqliteStore) GetMessageHistory(ctx context.Context) (model.MessageHistory, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT phone, last_sent_ms, count FROM message_history`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := model.MessageHistory{}
	for rows.Next() {
		var (
			phone string
			h     model.HistoryEntry
		)
		if err := rows.Scan(&phone, &h.LastSentMs, &h.Count); err != nil {
			return nil, err
		}
		out[phone] = h
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordMessageSent(ctx context.Context, phone string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_history (phone, last_sent_ms, count) VALUES (?, ?, 1)
		 ON CONFLICT(phone) DO UPDATE SET last_sent_ms = excluded.last_sent_ms, count = message_history.count + 1`,
		phone, s.now().UnixMilli())
	return err
}

func (s *sqliteStore) ClearMessageHistory(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM message_history`)
	return err
}

func (s *sqliteStore) SaveResults(ctx context.Context, task model.TaskType, r model.ResultSet) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO results (task, payload, saved_at) VALUES (?, ?, ?)`,
		string(task), string(b), s.now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) GetResults(ctx context.Context, task model.TaskType) (model.ResultSet, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM results WHERE task = ?`, string(task)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ResultSet{}, false, nil
	}
	if err != nil {
		return model.ResultSet{}, false, err
	}
	var r model.ResultSet
	if err := sonic.UnmarshalString(raw, &r); err != nil {
		return model.ResultSet{}, false, err
	}
	return r, true, nil
}

func (s *sqliteStore) AppendLog(ctx context.Context, e model.LogEntry) error {
	if e.Time.IsZero() {
		e.Time = s.now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO activity_log (at_ms, level, message) VALUES (?, ?, ?)`,
			e.Time.UnixMilli(), string(e.Level), e.Message); err != nil {
			return err
		}
		// Drop everything older than the newest MaxLogEntries rows.
		_, err := tx.ExecContext(ctx,
			`DELETE FROM activity_log WHERE id <= (SELECT id FROM activity_log ORDER BY id DESC LIMIT 1 OFFSET ?)`,
			model.MaxLogEntries)
		return err
	})
}

func (s *sqliteStore) Logs(ctx context.Context, limit int) ([]model.LogEntry, error) {
	if limit <= 0 {
		limit = model.MaxLogEntries
	}
	rows, err := s.db.QueryContext(ctx, `SELECT at_ms, level, message FROM activity_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LogEntry
	for rows.Next() {
		var (
			ms    int64
			level string
			e     model.LogEntry
		)
		if err := rows.Scan(&ms, &level, &e.Message); err != nil {
			return nil, err
		}
		e.Time = time.UnixMilli(ms)
		e.Level = model.LogLevel(level)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClearLogs(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM activity_log`)
	return err
}

func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
