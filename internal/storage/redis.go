package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"autoreach/internal/model"
	logx "autoreach/pkg/logx"
)

const defaultRedisPrefix = "autoreach"

// redisStore keeps one key per concern:
//
//	<prefix>:settings  string (JSON)
//	<prefix>:budget    string (JSON), updated under WATCH
//	<prefix>:history   hash phone -> JSON HistoryEntry
//	<prefix>:results   hash task -> JSON ResultSet
//	<prefix>:logs      list, newest at the head
type redisStore struct {
	rdb    redis.UniversalClient
	log    logx.Logger
	prefix string
	seed   model.Settings
	now    func() time.Time
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return NewRedis(rdb, cfg, log), nil
}

// NewRedis wraps an existing client. The store owns rdb and closes it on Close.
func NewRedis(rdb redis.UniversalClient, cfg Config, log logx.Logger) Store {
	prefix := strings.TrimSpace(cfg.Redis.Prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{rdb: rdb, log: log, prefix: prefix, seed: cfg.seed(), now: cfg.clock()}
}

func (s *redisStore) key(name string) string { return s.prefix + ":" + name }

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) GetSettings(ctx context.Context) (model.Settings, error) {
	raw, err := s.rdb.Get(ctx, s.key("settings")).Bytes()
	if errors.Is(err, redis.Nil) {
		return s.seed, nil
	}
	if err != nil {
		return model.Settings{}, err
	}
	var v model.Settings
	if err := sonic.Unmarshal(raw, &v); err != nil {
		return model.Settings{}, err
	}
	return v, nil
}

func (s *redisStore) SaveSettings(ctx context.Context, v model.Settings) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key("settings"), b, 0).Err()
}

func (s *redisStore) ResetSettings(ctx context.Context) (model.Settings, error) {
	return s.seed, s.SaveSettings(ctx, s.seed)
}

func (s *redisStore) GetActionBudget(ctx context.Context) (model.ActionBudget, error) {
	return s.updateBudget(ctx, func(b model.ActionBudget, rolled bool) (model.ActionBudget, bool) {
		return b, rolled
	})
}

func (s *redisStore) IncrementActionBudget(ctx context.Context) (model.ActionBudget, error) {
	return s.updateBudget(ctx, func(b model.ActionBudget, _ bool) (model.ActionBudget, bool) {
		b.Count++
		return b, true
	})
}

func (s *redisStore) ResetActionBudget(ctx context.Context) error {
	b, err := json.Marshal(model.ActionBudget{WindowStartMs: s.now().UnixMilli()})
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key("budget"), b, 0).Err()
}

// updateBudget applies fn to the rolled-over budget inside an optimistic
// transaction and writes the result back when fn asks for it.
func (s *redisStore) updateBudget(ctx context.Context, fn func(model.ActionBudget, bool) (model.ActionBudget, bool)) (model.ActionBudget, error) {
	key := s.key("budget")
	var out model.ActionBudget
	txf := func(tx *redis.Tx) error {
		var cur model.ActionBudget
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := sonic.Unmarshal(raw, &cur); err != nil {
				return err
			}
		}
		rolled, changed := cur.Rolled(s.now())
		next, write := fn(rolled, changed)
		out = next
		if !write {
			return nil
		}
		b, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, 0)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = s.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return out, err
		}
	}
	return out, err
}

func (s *redisStore) GetMessageHistory(ctx context.Context) (model.MessageHistory, error) {
	raw, err := s.rdb.HGetAll(ctx, s.key("history")).Result()
	if err != nil {
		return nil, err
	}
	out := make(model.MessageHistory, len(raw))
	for phone, v := range raw {
		var h model.HistoryEntry
		if err := sonic.UnmarshalString(v, &h); err != nil {
			s.log.Debug("skip malformed history entry", logx.Phone("phone", phone), logx.Err(err))
			continue
		}
		out[phone] = h
	}
	return out, nil
}

func (s *redisStore) RecordMessageSent(ctx context.Context, phone string) error {
	key := s.key("history")
	txf := func(tx *redis.Tx) error {
		var h model.HistoryEntry
		raw, err := tx.HGet(ctx, key, phone).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			_ = sonic.UnmarshalString(raw, &h)
		}
		h.LastSentMs = s.now().UnixMilli()
		h.Count++
		b, err := json.Marshal(h)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, phone, b)
			return nil
		})
		return err
	}
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = s.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *redisStore) ClearMessageHistory(ctx context.Context) error {
	return s.rdb.Del(ctx, s.key("history")).Err()
}

func (s *redisStore) SaveResults(ctx context.Context, task model.TaskType, r model.ResultSet) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.key("results"), string(task), b).Err()
}

func (s *redisStore) GetResults(ctx context.Context, task model.TaskType) (model.ResultSet, bool, error) {
	raw, err := s.rdb.HGet(ctx, s.key("results"), string(task)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.ResultSet{}, false, nil
	}
	if err != nil {
		return model.ResultSet{}, false, err
	}
	var r model.ResultSet
	if err := sonic.Unmarshal(raw, &r); err != nil {
		return model.ResultSet{}, false, err
	}
	return r, true, nil
}

func (s *redisStore) AppendLog(ctx context.Context, e model.LogEntry) error {
	if e.Time.IsZero() {
		e.Time = s.now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := s.key("logs")
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, b)
		p.LTrim(ctx, key, 0, model.MaxLogEntries-1)
		return nil
	})
	return err
}

func (s *redisStore) Logs(ctx context.Context, limit int) ([]model.LogEntry, error) {
	if limit <= 0 || limit > model.MaxLogEntries {
		limit = model.MaxLogEntries
	}
	raw, err := s.rdb.LRange(ctx, s.key("logs"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.LogEntry, 0, len(raw))
	for _, v := range raw {
		var e model.LogEntry
		if err := sonic.UnmarshalString(v, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *redisStore) ClearLogs(ctx context.Context) error {
	return s.rdb.Del(ctx, s.key("logs")).Err()
}
