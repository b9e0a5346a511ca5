package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-cbt/internal/config"
	"github.com/stemsi/exstem-cbt/internal/engine"
)

const healthTimeout = 2 * time.Second

// SystemHandler reports liveness of the process and its backends.
// pool and rdb may be nil when the backend is not in use.
type SystemHandler struct {
	pool      *pgxpool.Pool
	rdb       *redis.Client
	engine    *engine.Engine
	startTime time.Time
	log       zerolog.Logger
}

func NewSystemHandler(pool *pgxpool.Pool, rdb *redis.Client, eng *engine.Engine, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		pool:      pool,
		rdb:       rdb,
		engine:    eng,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type healthReport struct {
	Status         string            `json:"status"`
	Uptime         string            `json:"uptime"`
	Checks         map[string]string `json:"checks"`
	ActiveSessions int               `json:"active_sessions"`
	Queues         map[string]int64  `json:"queues,omitempty"`
}

// Health godoc
// GET /health
// Answers 200 when every backend responds, 503 otherwise.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	report := healthReport{
		Status:         "ok",
		Uptime:         time.Since(h.startTime).Round(time.Second).String(),
		Checks:         make(map[string]string, 2),
		ActiveSessions: h.engine.Active(),
	}

	if h.pool != nil {
		report.Checks["postgres"] = h.check(h.pool.Ping(ctx), "postgres", &report)
	}
	if h.rdb != nil {
		report.Checks["redis"] = h.check(h.rdb.Ping(ctx).Err(), "redis", &report)
		report.Queues = h.queueDepths(ctx)
	}

	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (h *SystemHandler) check(err error, name string, report *healthReport) string {
	if err == nil {
		return "ok"
	}
	h.log.Warn().Err(err).Str("backend", name).Msg("health check failed")
	report.Status = "degraded"
	return "down"
}

func (h *SystemHandler) queueDepths(ctx context.Context) map[string]int64 {
	pipe := h.rdb.Pipeline()
	snapshots := pipe.LLen(ctx, config.WorkerKey.PersistSnapshotsQueue)
	events := pipe.LLen(ctx, config.WorkerKey.PublishResultsQueue)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil
	}
	return map[string]int64{
		"snapshots": snapshots.Val(),
		"results":   events.Val(),
	}
}
