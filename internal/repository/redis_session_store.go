package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-cbt/internal/config"
	"github.com/stemsi/exstem-cbt/internal/model"
)

// saveScript writes the snapshot and queues it for the durable mirror,
// unless the pair has been closed.
// KEYS[1] session key, KEYS[2] tombstone key, KEYS[3] mirror queue.
var saveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("RPUSH", KEYS[3], ARGV[1])
return 1
`)

// createScript is saveScript with SETNX semantics.
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
	return -1
end
if redis.call("SET", KEYS[1], ARGV[1], "NX") then
	redis.call("RPUSH", KEYS[3], ARGV[1])
	return 1
end
return 0
`)

// RedisSessionStore keeps in-flight snapshots in Redis. Every accepted write
// is queued on the snapshot queue and mirrored to PostgreSQL by
// worker.SnapshotWorker, so a Redis loss falls back to the durable copy.
type RedisSessionStore struct {
	rdb       *redis.Client
	durable   *ExamSessionRepository
	tombstone time.Duration
	log       zerolog.Logger
}

// NewRedisSessionStore creates a new RedisSessionStore.
func NewRedisSessionStore(rdb *redis.Client, durable *ExamSessionRepository, tombstone time.Duration, log zerolog.Logger) *RedisSessionStore {
	return &RedisSessionStore{
		rdb:       rdb,
		durable:   durable,
		tombstone: tombstone,
		log:       log.With().Str("component", "redis_session_store").Logger(),
	}
}

func (s *RedisSessionStore) keys(userID, examID string) []string {
	return []string{
		config.CacheKey.ExamSessionKey(userID, examID),
		config.CacheKey.ExamSessionClosedKey(userID, examID),
		config.WorkerKey.PersistSnapshotsQueue,
	}
}

// LoadSession reads Redis first. On a miss it loads the durable copy and
// writes it back.
func (s *RedisSessionStore) LoadSession(ctx context.Context, userID, examID string) (*model.ExamSession, error) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.ExamSessionKey(userID, examID)).Bytes()
	if err == nil {
		snap := &model.ExamSession{}
		if err := json.Unmarshal(raw, snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		return snap, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, err
	}

	snap, err := s.durable.LoadSession(ctx, userID, examID)
	if err != nil {
		return nil, err
	}

	// Self-heal. The tombstone guard keeps a closed pair from coming back.
	if payload, err := json.Marshal(snap); err == nil {
		if err := s.rdb.SetNX(ctx, config.CacheKey.ExamSessionKey(userID, examID), payload, 0).Err(); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Str("exam_id", examID).Msg("Failed to restore snapshot to redis")
		}
	}
	return snap, nil
}

// CreateSession writes through to PostgreSQL first, which owns the
// result check, then places the snapshot in Redis.
func (s *RedisSessionStore) CreateSession(ctx context.Context, snap *model.ExamSession) error {
	if err := s.durable.CreateSession(ctx, snap); err != nil {
		return err
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	n, err := createScript.Run(ctx, s.rdb, s.keys(snap.UserID, snap.ExamID), payload).Int()
	if err != nil {
		return err
	}
	switch n {
	case -1:
		return model.ErrResultExists
	case 0:
		return model.ErrSessionExists
	}
	return nil
}

// SaveSession overwrites the snapshot unless the pair has a tombstone.
func (s *RedisSessionStore) SaveSession(ctx context.Context, snap *model.ExamSession) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	n, err := saveScript.Run(ctx, s.rdb, s.keys(snap.UserID, snap.ExamID), payload).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrResultExists
	}
	return nil
}

// DeleteSession writes the tombstone, drops the Redis snapshot, then removes
// the durable row.
func (s *RedisSessionStore) DeleteSession(ctx context.Context, userID, examID string) error {
	keys := s.keys(userID, examID)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keys[1], "1", s.tombstone)
	pipe.Del(ctx, keys[0])
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return s.durable.DeleteSession(ctx, userID, examID)
}
