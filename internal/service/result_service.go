package service

import (
	"context"

	"github.com/stemsi/exstem-cbt/internal/model"
)

// ResultReader is the read side of the result store.
type ResultReader interface {
	LoadResult(ctx context.Context, userID, examID string) (*model.ExamResult, error)
	ListResultsByUser(ctx context.Context, userID string) ([]model.ResultSummary, error)
	ListResultsByExam(ctx context.Context, examID string) ([]model.ResultSummary, error)
}

// ResultService serves result review.
type ResultService struct {
	results ResultReader
}

// NewResultService creates a new ResultService.
func NewResultService(results ResultReader) *ResultService {
	return &ResultService{results: results}
}

// ListMine returns the caller's results, newest first.
func (s *ResultService) ListMine(ctx context.Context, p model.Principal) ([]model.ResultSummary, error) {
	return s.results.ListResultsByUser(ctx, p.UserID)
}

// GetMine returns one of the caller's results with its breakdown.
func (s *ResultService) GetMine(ctx context.Context, p model.Principal, examID string) (*model.ExamResult, error) {
	return s.results.LoadResult(ctx, p.UserID, examID)
}

// ListByExam returns every result for an exam.
func (s *ResultService) ListByExam(ctx context.Context, examID string) ([]model.ResultSummary, error) {
	return s.results.ListResultsByExam(ctx, examID)
}
