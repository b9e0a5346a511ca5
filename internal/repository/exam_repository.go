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

// ExamRepository handles exam definition data access.
type ExamRepository struct {
	pool      *pgxpool.Pool
	questions *QuestionRepository
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool, questions *QuestionRepository) *ExamRepository {
	return &ExamRepository{pool: pool, questions: questions}
}

// GetByID retrieves an exam without its questions.
func (r *ExamRepository) GetByID(ctx context.Context, id string) (*model.ExamDefinition, error) {
	e := &model.ExamDefinition{}
	var instructions []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, code, title, duration_minutes, instructions, status
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.Code, &e.Title, &e.DurationMinutes, &instructions, &e.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrExamNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(instructions, &e.Instructions); err != nil {
		return nil, fmt.Errorf("decode instructions: %w", err)
	}
	return e, nil
}

// GetDefinition retrieves an exam with its ordered questions.
func (r *ExamRepository) GetDefinition(ctx context.Context, id string) (*model.ExamDefinition, error) {
	e, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Questions, err = r.questions.ListByExam(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	return e, nil
}

// ListByStatus returns exams in the given status, without questions.
func (r *ExamRepository) ListByStatus(ctx context.Context, status model.ExamStatus) ([]model.ExamDefinition, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, code, title, duration_minutes, status
		 FROM exams WHERE status = $1
		 ORDER BY code ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exams := make([]model.ExamDefinition, 0)
	for rows.Next() {
		var e model.ExamDefinition
		if err := rows.Scan(&e.ID, &e.Code, &e.Title, &e.DurationMinutes, &e.Status); err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// Upsert writes the exam and replaces its questions in one transaction.
func (r *ExamRepository) Upsert(ctx context.Context, e *model.ExamDefinition) error {
	instructions, err := json.Marshal(e.Instructions)
	if err != nil {
		return fmt.Errorf("encode instructions: %w", err)
	}
	if e.Instructions == nil {
		instructions = []byte("[]")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO exams (id, code, title, duration_minutes, instructions, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET code = EXCLUDED.code,
		     title = EXCLUDED.title,
		     duration_minutes = EXCLUDED.duration_minutes,
		     instructions = EXCLUDED.instructions,
		     status = EXCLUDED.status,
		     updated_at = NOW()`,
		e.ID, e.Code, e.Title, e.DurationMinutes, instructions, e.Status)
	if err != nil {
		return fmt.Errorf("upsert exam: %w", err)
	}

	if err := r.questions.replaceForExam(ctx, tx, e.ID, e.Questions); err != nil {
		return fmt.Errorf("replace questions: %w", err)
	}
	return tx.Commit(ctx)
}

// UpdateStatus updates an exam's status.
func (r *ExamRepository) UpdateStatus(ctx context.Context, id string, status model.ExamStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exams SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrExamNotFound
	}
	return nil
}
