package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stemsi/exstem-cbt/internal/config"
	"github.com/stemsi/exstem-cbt/internal/model"
)

// ProgressReader lists unfinished attempts on an exam.
type ProgressReader interface {
	ListInProgress(ctx context.Context, examID string) ([]model.AttemptProgress, error)
}

// MonitorService backs the staff live monitor of an exam.
type MonitorService struct {
	progress ProgressReader
	results  ResultReader
	exams    *ExamService
	rdb      *redis.Client
	log      zerolog.Logger
}

// NewMonitorService creates a new MonitorService. A nil rdb disables the
// live event feed; snapshots still work.
func NewMonitorService(progress ProgressReader, results ResultReader, exams *ExamService, rdb *redis.Client, log zerolog.Logger) *MonitorService {
	return &MonitorService{
		progress: progress,
		results:  results,
		exams:    exams,
		rdb:      rdb,
		log:      log.With().Str("component", "monitor_service").Logger(),
	}
}

// MonitorStats are the headline counters of a snapshot.
type MonitorStats struct {
	InProgress int `json:"in_progress"`
	Submitted  int `json:"submitted"`
}

// MonitorSnapshot is the full state of an exam as seen by staff.
type MonitorSnapshot struct {
	ExamID         string                  `json:"exam_id"`
	Title          string                  `json:"title"`
	TotalQuestions int                     `json:"total_questions"`
	Stats          MonitorStats            `json:"stats"`
	InProgress     []model.AttemptProgress `json:"in_progress"`
	Submitted      []model.ResultSummary   `json:"submitted"`
	GeneratedAt    time.Time               `json:"generated_at"`
}

// MonitorEvent is pushed on the exam's monitor channel.
type MonitorEvent struct {
	Type   string              `json:"type"`
	Result model.ResultSummary `json:"result"`
}

// Snapshot gathers in-progress attempts and submitted results concurrently.
func (s *MonitorService) Snapshot(ctx context.Context, examID string) (*MonitorSnapshot, error) {
	def, err := s.exams.GetDefinition(ctx, examID)
	if err != nil {
		return nil, err
	}

	var (
		progress []model.AttemptProgress
		results  []model.ResultSummary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		progress, err = s.progress.ListInProgress(gctx, examID)
		if err != nil {
			return fmt.Errorf("list in progress: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		results, err = s.results.ListResultsByExam(gctx, examID)
		if err != nil {
			return fmt.Errorf("list results: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &MonitorSnapshot{
		ExamID:         def.ID,
		Title:          def.Title,
		TotalQuestions: len(def.Questions),
		Stats:          MonitorStats{InProgress: len(progress), Submitted: len(results)},
		InProgress:     progress,
		Submitted:      results,
		GeneratedAt:    time.Now().UTC(),
	}, nil
}

// Announce publishes a finalized result on the exam's monitor channel. It
// has the engine.ResultHook signature.
func (s *MonitorService) Announce(ctx context.Context, res *model.ExamResult) {
	if s.rdb == nil {
		return
	}
	payload, err := json.Marshal(MonitorEvent{Type: "submitted", Result: res.Summary()})
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(res.ExamID), payload).Err(); err != nil {
		s.log.Warn().Err(err).Str("exam_id", res.ExamID).Msg("Monitor announce failed")
	}
}

// Subscribe opens the exam's monitor channel, or returns nil when the live
// feed is disabled. The caller closes it.
func (s *MonitorService) Subscribe(ctx context.Context, examID string) *redis.PubSub {
	if s.rdb == nil {
		return nil
	}
	return s.rdb.Subscribe(ctx, config.CacheKey.ExamMonitorChannel(examID))
}
