package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-cbt/internal/model"
)

// ExamSessionRepository persists in-flight attempt snapshots in PostgreSQL.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

// LoadSession retrieves the snapshot for a user-exam pair.
func (r *ExamSessionRepository) LoadSession(ctx context.Context, userID, examID string) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	var answers []byte
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, exam_id, answers, remaining_seconds, current_index, last_heartbeat_at
		 FROM exam_sessions
		 WHERE user_id = $1 AND exam_id = $2`, userID, examID,
	).Scan(&s.UserID, &s.ExamID, &answers, &s.RemainingSeconds, &s.CurrentIndex, &s.LastHeartbeatAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(answers, &s.Answers); err != nil {
		return nil, fmt.Errorf("decode answers: %w", err)
	}
	return s, nil
}

// CreateSession inserts a fresh snapshot. Nothing is written when the pair
// already has a session or a result.
func (r *ExamSessionRepository) CreateSession(ctx context.Context, s *model.ExamSession) error {
	answers, err := json.Marshal(s.Answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}

	var created, finalized bool
	err = r.pool.QueryRow(ctx,
		`WITH finalized AS (
		     SELECT 1 FROM exam_results WHERE user_id = $1 AND exam_id = $2
		 ), ins AS (
		     INSERT INTO exam_sessions (user_id, exam_id, answers, remaining_seconds, current_index, last_heartbeat_at)
		     SELECT $1::text, $2::text, $3::jsonb, $4::int, $5::int, $6::timestamptz
		     WHERE NOT EXISTS (SELECT 1 FROM finalized)
		     ON CONFLICT (user_id, exam_id) DO NOTHING
		     RETURNING 1
		 )
		 SELECT EXISTS (SELECT 1 FROM ins), EXISTS (SELECT 1 FROM finalized)`,
		s.UserID, s.ExamID, answers, s.RemainingSeconds, s.CurrentIndex, s.LastHeartbeatAt,
	).Scan(&created, &finalized)
	switch {
	case err != nil:
		return err
	case created:
		return nil
	case finalized:
		return model.ErrResultExists
	default:
		return model.ErrSessionExists
	}
}

// SaveSession upserts a snapshot unless the pair has already been finalized.
func (r *ExamSessionRepository) SaveSession(ctx context.Context, s *model.ExamSession) error {
	answers, err := json.Marshal(s.Answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}

	tag, err := r.pool.Exec(ctx,
		`INSERT INTO exam_sessions (user_id, exam_id, answers, remaining_seconds, current_index, last_heartbeat_at)
		 SELECT $1::text, $2::text, $3::jsonb, $4::int, $5::int, $6::timestamptz
		 WHERE NOT EXISTS (SELECT 1 FROM exam_results WHERE user_id = $1 AND exam_id = $2)
		 ON CONFLICT (user_id, exam_id) DO UPDATE
		 SET answers = EXCLUDED.answers,
		     remaining_seconds = EXCLUDED.remaining_seconds,
		     current_index = EXCLUDED.current_index,
		     last_heartbeat_at = EXCLUDED.last_heartbeat_at`,
		s.UserID, s.ExamID, answers, s.RemainingSeconds, s.CurrentIndex, s.LastHeartbeatAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrResultExists
	}
	return nil
}

// DeleteSession removes the snapshot for a pair. Missing rows are not an error.
func (r *ExamSessionRepository) DeleteSession(ctx context.Context, userID, examID string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM exam_sessions WHERE user_id = $1 AND exam_id = $2`, userID, examID)
	return err
}

// DeleteStaleSessions removes snapshots not heartbeated since cutoff, plus
// orphans whose pair already has a result.
func (r *ExamSessionRepository) DeleteStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM exam_sessions s
		 WHERE s.last_heartbeat_at < $1
		    OR EXISTS (SELECT 1 FROM exam_results r WHERE r.user_id = s.user_id AND r.exam_id = s.exam_id)`,
		cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MirrorSessions upserts a batch of snapshots in one statement. A row is
// skipped when its pair has a result or the stored copy is newer.
func (r *ExamSessionRepository) MirrorSessions(ctx context.Context, batch []model.ExamSession) (int64, error) {
	n := len(batch)
	users := make([]string, n)
	exams := make([]string, n)
	answers := make([]string, n)
	remaining := make([]int32, n)
	indexes := make([]int32, n)
	beats := make([]time.Time, n)

	for i := range batch {
		raw, err := json.Marshal(batch[i].Answers)
		if err != nil {
			return 0, fmt.Errorf("encode answers: %w", err)
		}
		users[i] = batch[i].UserID
		exams[i] = batch[i].ExamID
		answers[i] = string(raw)
		remaining[i] = int32(batch[i].RemainingSeconds)
		indexes[i] = int32(batch[i].CurrentIndex)
		beats[i] = batch[i].LastHeartbeatAt
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO exam_sessions AS s (user_id, exam_id, answers, remaining_seconds, current_index, last_heartbeat_at)
		SELECT u.user_id, u.exam_id, u.answers::jsonb, u.remaining_seconds, u.current_index, u.last_heartbeat_at
		FROM UNNEST(
			$1::text[],
			$2::text[],
			$3::text[],
			$4::int[],
			$5::int[],
			$6::timestamptz[]
		) AS u (user_id, exam_id, answers, remaining_seconds, current_index, last_heartbeat_at)
		WHERE NOT EXISTS (
			SELECT 1 FROM exam_results r WHERE r.user_id = u.user_id AND r.exam_id = u.exam_id
		)
		ON CONFLICT (user_id, exam_id) DO UPDATE
		SET answers = EXCLUDED.answers,
		    remaining_seconds = EXCLUDED.remaining_seconds,
		    current_index = EXCLUDED.current_index,
		    last_heartbeat_at = EXCLUDED.last_heartbeat_at
		WHERE s.last_heartbeat_at <= EXCLUDED.last_heartbeat_at`,
		users, exams, answers, remaining, indexes, beats)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
