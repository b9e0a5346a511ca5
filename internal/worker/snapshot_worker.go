package worker

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

const (
	SnapshotBatchSize    = 100
	SnapshotBatchTimeout = 2 * time.Second
	SnapshotPollTimeout  = 1 * time.Second
)

// SnapshotMirror is the durable side of the Redis session store.
type SnapshotMirror interface {
	MirrorSessions(ctx context.Context, batch []model.ExamSession) (int64, error)
	SaveSession(ctx context.Context, s *model.ExamSession) error
}

// SnapshotWorker consumes the snapshot queue filled by the Redis session
// store and mirrors the latest snapshot per attempt into PostgreSQL.
type SnapshotWorker struct {
	mirror SnapshotMirror
	rdb    *redis.Client
	log    zerolog.Logger
}

// NewSnapshotWorker creates a new SnapshotWorker.
func NewSnapshotWorker(mirror SnapshotMirror, rdb *redis.Client, log zerolog.Logger) *SnapshotWorker {
	return &SnapshotWorker{
		mirror: mirror,
		rdb:    rdb,
		log:    log.With().Str("component", "snapshot_worker").Logger(),
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *SnapshotWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	batch := make(map[pairKey]model.ExamSession, SnapshotBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= SnapshotBatchSize || time.Since(lastFlush) >= SnapshotBatchTimeout) {
			w.flush(ctx, batch)
			clear(batch)
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			w.flush(context.Background(), batch)
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			item, err := w.rdb.BLPop(ctx, SnapshotPollTimeout, config.WorkerKey.PersistSnapshotsQueue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
				}
				continue
			}
			if len(item) < 2 {
				continue
			}
			w.collect(batch, item[1])
		}
	}
}

type pairKey struct{ userID, examID string }

// collect keeps only the newest snapshot per attempt.
func (w *SnapshotWorker) collect(batch map[pairKey]model.ExamSession, raw string) {
	var snap model.ExamSession
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		w.log.Error().Err(err).Msg("Invalid snapshot payload")
		return
	}
	k := pairKey{snap.UserID, snap.ExamID}
	if prev, ok := batch[k]; ok && prev.LastHeartbeatAt.After(snap.LastHeartbeatAt) {
		return
	}
	batch[k] = snap
}

func (w *SnapshotWorker) flush(ctx context.Context, batch map[pairKey]model.ExamSession) {
	if len(batch) == 0 {
		return
	}
	list := make([]model.ExamSession, 0, len(batch))
	for _, s := range batch {
		list = append(list, s)
	}

	written, err := w.mirror.MirrorSessions(ctx, list)
	if err == nil {
		w.log.Debug().Int("batch", len(list)).Int64("written", written).Msg("Snapshots mirrored")
		return
	}

	w.log.Warn().Err(err).Msg("Bulk mirror failed, using fallback")
	for i := range list {
		err := w.mirror.SaveSession(ctx, &list[i])
		switch {
		case err == nil, errors.Is(err, model.ErrResultExists):
		default:
			log := w.log.With().
				Str("user_id", list[i].UserID).
				Str("exam_id", list[i].ExamID).
				Logger()
			log.Error().Err(err).Msg("Mirror failed, requeueing")
			if err := w.requeue(ctx, &list[i]); err != nil {
				log.Error().Err(err).
					Int("remaining_seconds", list[i].RemainingSeconds).
					Time("last_heartbeat_at", list[i].LastHeartbeatAt).
					Msg("Requeue failed, snapshot dropped")
			}
		}
	}
}

// requeue puts a snapshot back for the next batch. It outlives a cancelled
// worker context so a shutdown flush can still hand work back.
func (w *SnapshotWorker) requeue(ctx context.Context, snap *model.ExamSession) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return w.rdb.RPush(context.WithoutCancel(ctx), config.WorkerKey.PersistSnapshotsQueue, raw).Err()
}

// drain mirrors whatever is still queued before shutdown.
func (w *SnapshotWorker) drain(ctx context.Context) {
	batch := make(map[pairKey]model.ExamSession)
	for {
		raw, err := w.rdb.LPop(ctx, config.WorkerKey.PersistSnapshotsQueue).Result()
		if err != nil {
			break
		}
		w.collect(batch, raw)
	}
	if len(batch) > 0 {
		w.log.Info().Int("count", len(batch)).Msg("Draining remaining snapshots")
		w.flush(ctx, batch)
	}
}
