package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-cbt/internal/response"
	"github.com/stemsi/exstem-cbt/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

type MonitorHandler struct {
	monitor *service.MonitorService
	log     zerolog.Logger
}

func NewMonitorHandler(monitor *service.MonitorService, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		monitor: monitor,
		log:     log.With().Str("component", "monitor_handler").Logger(),
	}
}

// GetSnapshot godoc
// GET /api/v1/admin/exams/:exam_id/monitor/snapshot
func (h *MonitorHandler) GetSnapshot(c *gin.Context) {
	snap, err := h.monitor.Snapshot(c.Request.Context(), c.Param("exam_id"))
	if err != nil {
		fail(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// MonitorExamSSE godoc
// GET /api/v1/admin/exams/:exam_id/monitor
// Streams a snapshot, then submissions as they happen and a refreshed
// snapshot every refreshInterval.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID := c.Param("exam_id")
	reqCtx := c.Request.Context()

	// The first snapshot doubles as the existence check, so failures can
	// still be answered as plain JSON.
	snap, err := h.monitor.Snapshot(reqCtx, examID)
	if err != nil {
		fail(c, h.log, err)
		return
	}

	// SSE headers
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)

	c.SSEvent("snapshot", snap)
	c.Writer.Flush()

	var events <-chan *redis.Message
	if pubsub := h.monitor.Subscribe(reqCtx, examID); pubsub != nil {
		defer pubsub.Close()
		events = pubsub.Channel()
	}

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	h.log.Info().Str("exam_id", examID).Msg("Staff attached to live monitor")

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID).Msg("Staff detached from live monitor")
			return

		case msg, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			// Forward raw JSON directly, no deserialization needed.
			c.Writer.Write([]byte("event: submitted\ndata: "))
			c.Writer.Write([]byte(msg.Payload))
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()

		case <-refreshTicker.C:
			h.sendRefresh(c, reqCtx, examID)

		case <-keepAliveTicker.C:
			c.SSEvent("ping", gin.H{"time": time.Now().UTC()})
			c.Writer.Flush()
		}
	}
}

// sendRefresh re-reads the snapshot under a scoped timeout.
func (h *MonitorHandler) sendRefresh(c *gin.Context, parentCtx context.Context, examID string) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	snap, err := h.monitor.Snapshot(ctx, examID)
	if err != nil {
		h.log.Warn().Err(err).Str("exam_id", examID).Msg("Monitor refresh failed")
		return
	}
	c.SSEvent("snapshot", snap)
	c.Writer.Flush()
}
