package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/vericase/deepresearch/internal/models"
)

const redisPrefix = "deepresearch:"

// RedisStore keeps sessions as JSON strings with secondary indexes:
//
//	deepresearch:session:<id>           current snapshot
//	deepresearch:history:<id>           list of every snapshot, oldest first
//	deepresearch:scope:<kind>:<id>      zset of session ids scored by creation time
//	deepresearch:active                 set of non-terminal session ids
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects using a redis:// URL.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStore{rdb: redis.NewClient(opt)}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func sessionKey(id string) string { return redisPrefix + "session:" + id }
func historyKey(id string) string { return redisPrefix + "history:" + id }
func scopeKey(sc models.Scope) string {
	return redisPrefix + "scope:" + string(sc.Kind) + ":" + sc.ID
}

const activeKey = redisPrefix + "active"

// Migrate verifies connectivity; Redis needs no schema.
func (s *RedisStore) Migrate(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

// Put uses WATCH on the session key so concurrent writers lose with ErrConflict.
func (s *RedisStore) Put(ctx context.Context, sess *models.Session) error {
	if err := prepare(sess); err != nil {
		return err
	}
	data, err := encode(sess)
	if err != nil {
		return err
	}
	snap, err := json.Marshal(models.Snapshot{
		SessionID: sess.ID,
		Revision:  sess.Revision,
		State:     sess.State,
		UpdatedAt: sess.UpdatedAt,
		Session:   sess,
	})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	key := sessionKey(sess.ID)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if sess.Revision != 1 {
				return notFound(sess.ID)
			}
		case err != nil:
			return fmt.Errorf("get session: %w", err)
		default:
			cur, err := decode(raw)
			if err != nil {
				return err
			}
			if cur.Revision != sess.Revision-1 {
				return conflict(sess.ID, sess.Revision)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.RPush(ctx, historyKey(sess.ID), snap)
			pipe.ZAdd(ctx, scopeKey(sess.Scope), redis.Z{
				Score:  float64(sess.CreatedAt.UnixNano()),
				Member: sess.ID,
			})
			if sess.State.Terminal() {
				pipe.SRem(ctx, activeKey, sess.ID)
			} else {
				pipe.SAdd(ctx, activeKey, sess.ID)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return conflict(sess.ID, sess.Revision)
	}
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.Session, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return decode(raw)
}

func (s *RedisStore) loadMany(ctx context.Context, ids []string) ([]*models.Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	out := make([]*models.Session, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		sess, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// ListByScope returns summaries newest first.
func (s *RedisStore) ListByScope(ctx context.Context, scope models.Scope) ([]models.SessionSummary, error) {
	ids, err := s.rdb.ZRevRange(ctx, scopeKey(scope), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sessions, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]models.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Summary())
	}
	return out, nil
}

// ListActive returns every non-terminal session, oldest first.
func (s *RedisStore) ListActive(ctx context.Context) ([]*models.Session, error) {
	ids, err := s.rdb.SMembers(ctx, activeKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	sessions, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

func (s *RedisStore) History(ctx context.Context, id string) ([]models.Snapshot, error) {
	raws, err := s.rdb.LRange(ctx, historyKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	if len(raws) == 0 {
		return nil, notFound(id)
	}
	out := make([]models.Snapshot, 0, len(raws))
	for _, raw := range raws {
		var snap models.Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, nil
}
