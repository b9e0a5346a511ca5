package engine

import (
	"context"

	"github.com/stemsi/exstem-cbt/internal/model"
)

// SessionStore persists in-flight snapshots keyed by (userID, examID).
//
// CreateSession inserts only when neither a session nor a result exists for
// the pair, returning model.ErrSessionExists or model.ErrResultExists
// otherwise. SaveSession overwrites the snapshot but must refuse with
// model.ErrResultExists once a result is stored, so a late heartbeat can
// never resurrect a finalized attempt.
type SessionStore interface {
	LoadSession(ctx context.Context, userID, examID string) (*model.ExamSession, error)
	CreateSession(ctx context.Context, s *model.ExamSession) error
	SaveSession(ctx context.Context, s *model.ExamSession) error
	DeleteSession(ctx context.Context, userID, examID string) error
}

// ResultStore is append-only. InsertResult is the exactly-once gate: it
// returns model.ErrResultExists when the pair already has a result.
type ResultStore interface {
	LoadResult(ctx context.Context, userID, examID string) (*model.ExamResult, error)
	InsertResult(ctx context.Context, r *model.ExamResult) error
}

// Store is everything the engine persists.
type Store interface {
	SessionStore
	ResultStore
}

// ExamSource resolves exam definitions. Missing exams are model.ErrExamNotFound.
type ExamSource interface {
	GetDefinition(ctx context.Context, examID string) (*model.ExamDefinition, error)
}
