package service

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-cbt/internal/config"
	"github.com/stemsi/exstem-cbt/internal/event"
	"github.com/stemsi/exstem-cbt/internal/model"
)

// ResultOutbox queues finalized results for worker.ResultEventWorker.
type ResultOutbox struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewResultOutbox creates a new ResultOutbox.
func NewResultOutbox(rdb *redis.Client, log zerolog.Logger) *ResultOutbox {
	return &ResultOutbox{
		rdb: rdb,
		log: log.With().Str("component", "result_outbox").Logger(),
	}
}

// Enqueue has the engine.ResultHook signature. It runs once per recorded result.
func (o *ResultOutbox) Enqueue(ctx context.Context, res *model.ExamResult) {
	ev := event.NewResultFinalized(res)
	body, err := json.Marshal(ev)
	if err != nil {
		o.log.Error().Err(err).Str("user_id", res.UserID).Str("exam_id", res.ExamID).Msg("Encode event failed")
		return
	}
	if err := o.rdb.RPush(ctx, config.WorkerKey.PublishResultsQueue, body).Err(); err != nil {
		o.log.Error().Err(err).
			Str("event_id", ev.ID).
			Str("user_id", res.UserID).
			Str("exam_id", res.ExamID).
			Msg("Enqueue result event failed")
	}
}
