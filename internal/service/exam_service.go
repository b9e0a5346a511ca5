package service

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

// ExamReader is the durable source of exam definitions.
type ExamReader interface {
	GetDefinition(ctx context.Context, id string) (*model.ExamDefinition, error)
	ListByStatus(ctx context.Context, status model.ExamStatus) ([]model.ExamDefinition, error)
}

// ExamService resolves exam definitions for the session engine. Live
// definitions never change, so they are cached in Redis with the answer key.
type ExamService struct {
	exams ExamReader
	rdb   *redis.Client
	ttl   time.Duration
	log   zerolog.Logger
}

// NewExamService creates a new ExamService. A nil rdb disables caching.
func NewExamService(exams ExamReader, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *ExamService {
	return &ExamService{
		exams: exams,
		rdb:   rdb,
		ttl:   ttl,
		log:   log.With().Str("component", "exam_service").Logger(),
	}
}

// GetDefinition returns the full definition, answer key included.
func (s *ExamService) GetDefinition(ctx context.Context, examID string) (*model.ExamDefinition, error) {
	if def, ok := s.cached(ctx, examID); ok {
		return def, nil
	}

	def, err := s.exams.GetDefinition(ctx, examID)
	if err != nil {
		return nil, err
	}
	if def.Status == model.ExamStatusLive {
		s.store(ctx, def)
	}
	return def, nil
}

// ListLive returns the exams open for attempts, without questions.
func (s *ExamService) ListLive(ctx context.Context) ([]model.ExamDefinition, error) {
	return s.exams.ListByStatus(ctx, model.ExamStatusLive)
}

// Invalidate drops the cached definition. Call after a definition or status change.
func (s *ExamService) Invalidate(ctx context.Context, examID string) error {
	if s.rdb == nil {
		return nil
	}
	return s.rdb.Del(ctx, config.CacheKey.ExamDefinitionKey(examID)).Err()
}

// PrewarmLive caches every live exam. Failures are logged and skipped.
func (s *ExamService) PrewarmLive(ctx context.Context) error {
	if s.rdb == nil {
		return nil
	}
	exams, err := s.ListLive(ctx)
	if err != nil {
		return fmt.Errorf("list live exams: %w", err)
	}

	warmed := 0
	for i := range exams {
		def, err := s.exams.GetDefinition(ctx, exams[i].ID)
		if err != nil {
			s.log.Warn().Err(err).Str("exam_id", exams[i].ID).Msg("Failed to warm exam, skipping")
			continue
		}
		s.store(ctx, def)
		warmed++
	}

	s.log.Info().Int("warmed", warmed).Int("total", len(exams)).Msg("Prewarming complete")
	return nil
}

func (s *ExamService) cached(ctx context.Context, examID string) (*model.ExamDefinition, bool) {
	if s.rdb == nil {
		return nil, false
	}
	data, err := s.rdb.Get(ctx, config.CacheKey.ExamDefinitionKey(examID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn().Err(err).Str("exam_id", examID).Msg("Exam cache read failed")
		}
		return nil, false
	}

	var def model.ExamDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID).Msg("Dropping undecodable cache entry")
		return nil, false
	}
	return &def, true
}

func (s *ExamService) store(ctx context.Context, def *model.ExamDefinition) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(def)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, config.CacheKey.ExamDefinitionKey(def.ID), data, s.ttl).Err(); err != nil {
		s.log.Warn().Err(err).Str("exam_id", def.ID).Msg("Exam cache write failed")
	}
}
