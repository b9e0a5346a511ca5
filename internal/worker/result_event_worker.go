package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-cbt/internal/config"
	"github.com/stemsi/exstem-cbt/internal/event"
)

const (
	EventBatchSize    = 50
	EventBatchTimeout = 2 * time.Second
	EventPollTimeout  = 1 * time.Second
	EventRetryDelay   = 5 * time.Second
)

// ResultEventWorker publishes queued result events to the broker.
type ResultEventWorker struct {
	publisher event.Publisher
	rdb       *redis.Client
	log       zerolog.Logger
}

// NewResultEventWorker creates a new ResultEventWorker.
func NewResultEventWorker(publisher event.Publisher, rdb *redis.Client, log zerolog.Logger) *ResultEventWorker {
	return &ResultEventWorker{
		publisher: publisher,
		rdb:       rdb,
		log:       log.With().Str("component", "result_event_worker").Logger(),
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *ResultEventWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	batch := make([]string, 0, EventBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= EventBatchSize || time.Since(lastFlush) >= EventBatchTimeout) {
			if !w.publish(ctx, batch) {
				sleep(ctx, EventRetryDelay)
			}
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Int("pending", len(batch)).Msg("Worker stopping...")
			w.publish(context.Background(), batch)
			return
		default:
			item, err := w.rdb.BLPop(ctx, EventPollTimeout, config.WorkerKey.PublishResultsQueue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
				}
				continue
			}
			if len(item) < 2 {
				continue
			}
			batch = append(batch, item[1])
		}
	}
}

// publish sends the batch in order. On the first broker failure the rest is
// requeued and publish reports false.
func (w *ResultEventWorker) publish(ctx context.Context, batch []string) bool {
	for i, raw := range batch {
		var ev event.ResultFinalized
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			w.log.Error().Err(err).Msg("Invalid event payload, dropping")
			continue
		}

		if err := w.publisher.PublishResultFinalized(ctx, &ev); err != nil {
			w.log.Error().Err(err).
				Str("event_id", ev.ID).
				Int("requeued", len(batch)-i).
				Msg("Publish failed, requeueing")
			rest := make([]any, 0, len(batch)-i)
			for _, r := range batch[i:] {
				rest = append(rest, r)
			}
			if err := w.rdb.RPush(context.WithoutCancel(ctx), config.WorkerKey.PublishResultsQueue, rest...).Err(); err != nil {
				// The payloads are logged so the events can be replayed by hand.
				w.log.Error().Err(err).
					Str("event_id", ev.ID).
					Strs("payloads", batch[i:]).
					Msg("Requeue failed, events dropped")
			}
			return false
		}
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
