package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-cbt/internal/model"
)

// ExamResultRepository stores graded results. Rows are never updated.
type ExamResultRepository struct {
	pool *pgxpool.Pool
}

// NewExamResultRepository creates a new ExamResultRepository.
func NewExamResultRepository(pool *pgxpool.Pool) *ExamResultRepository {
	return &ExamResultRepository{pool: pool}
}

const resultColumns = `user_id, exam_id, exam_code, exam_title, user_name, COALESCE(matric, ''),
	score, total_marks, percentage::text, grade, remark, academic_session, semester, submitted_at`

// InsertResult writes r unless the pair already has a result, in which case
// it returns model.ErrResultExists.
func (r *ExamResultRepository) InsertResult(ctx context.Context, res *model.ExamResult) error {
	breakdown, err := json.Marshal(res.QuestionBreakdown)
	if err != nil {
		return fmt.Errorf("encode breakdown: %w", err)
	}

	tag, err := r.pool.Exec(ctx,
		`INSERT INTO exam_results (user_id, exam_id, exam_code, exam_title, user_name, matric,
		                           score, total_marks, percentage, grade, remark,
		                           academic_session, semester, breakdown, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9::numeric, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (user_id, exam_id) DO NOTHING`,
		res.UserID, res.ExamID, res.ExamCode, res.ExamTitle, res.UserName, res.Matric,
		res.Score, res.TotalMarks, res.Percentage, res.Grade.Grade, res.Grade.Remark,
		res.AcademicSession, res.Semester, breakdown, res.SubmittedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrResultExists
	}
	return nil
}

// LoadResult retrieves the full result, breakdown included.
func (r *ExamResultRepository) LoadResult(ctx context.Context, userID, examID string) (*model.ExamResult, error) {
	res := &model.ExamResult{}
	var breakdown []byte
	err := r.pool.QueryRow(ctx,
		`SELECT `+resultColumns+`, breakdown
		 FROM exam_results
		 WHERE user_id = $1 AND exam_id = $2`, userID, examID,
	).Scan(&res.UserID, &res.ExamID, &res.ExamCode, &res.ExamTitle, &res.UserName, &res.Matric,
		&res.Score, &res.TotalMarks, &res.Percentage, &res.Grade.Grade, &res.Grade.Remark,
		&res.AcademicSession, &res.Semester, &res.SubmittedAt, &breakdown)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(breakdown, &res.QuestionBreakdown); err != nil {
		return nil, fmt.Errorf("decode breakdown: %w", err)
	}
	return res, nil
}

// ListResultsByUser returns a user's results, newest first.
func (r *ExamResultRepository) ListResultsByUser(ctx context.Context, userID string) ([]model.ResultSummary, error) {
	return r.list(ctx,
		`SELECT `+resultColumns+` FROM exam_results WHERE user_id = $1 ORDER BY submitted_at DESC`, userID)
}

// ListResultsByExam returns every result for an exam, newest first.
func (r *ExamResultRepository) ListResultsByExam(ctx context.Context, examID string) ([]model.ResultSummary, error) {
	return r.list(ctx,
		`SELECT `+resultColumns+` FROM exam_results WHERE exam_id = $1 ORDER BY submitted_at DESC`, examID)
}

func (r *ExamResultRepository) list(ctx context.Context, query string, arg any) ([]model.ResultSummary, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]model.ResultSummary, 0)
	for rows.Next() {
		var s model.ResultSummary
		if err := rows.Scan(&s.UserID, &s.ExamID, &s.ExamCode, &s.ExamTitle, &s.UserName, &s.Matric,
			&s.Score, &s.TotalMarks, &s.Percentage, &s.Grade.Grade, &s.Grade.Remark,
			&s.AcademicSession, &s.Semester, &s.SubmittedAt); err != nil {
			return nil, err
		}
		results = append(results, s)
	}
	return results, rows.Err()
}
