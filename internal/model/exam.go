package model

import (
	"errors"
	"fmt"
)

// ExamStatus enumerates the possible states of an exam.
type ExamStatus string

const (
	ExamStatusDraft    ExamStatus = "draft"
	ExamStatusPending  ExamStatus = "pending"
	ExamStatusLive     ExamStatus = "live"
	ExamStatusArchived ExamStatus = "archived"
)

// ExamDefinition is an authored exam. It is owned by the authoring side and
// read-only to the session engine; once live it never changes.
type ExamDefinition struct {
	ID              string     `json:"id" yaml:"id"`
	Code            string     `json:"code" yaml:"code"`
	Title           string     `json:"title" yaml:"title"`
	DurationMinutes int        `json:"duration_minutes" yaml:"duration_minutes"`
	Questions       []Question `json:"questions" yaml:"questions"`
	Instructions    []string   `json:"instructions,omitempty" yaml:"instructions"`
	Status          ExamStatus `json:"status" yaml:"status"`
}

// DurationSeconds is the full countdown a fresh session starts with.
func (e *ExamDefinition) DurationSeconds() int {
	return e.DurationMinutes * 60
}

// Question returns the question with the given id.
func (e *ExamDefinition) Question(id string) (*Question, bool) {
	for i := range e.Questions {
		if e.Questions[i].ID == id {
			return &e.Questions[i], true
		}
	}
	return nil, false
}

// Validate checks the structural invariants of a definition.
func (e *ExamDefinition) Validate() error {
	if e.ID == "" {
		return errors.New("exam id is required")
	}
	if e.DurationMinutes <= 0 {
		return fmt.Errorf("exam %s: duration must be positive", e.ID)
	}
	if e.Status == ExamStatusLive && len(e.Questions) == 0 {
		return fmt.Errorf("exam %s: a live exam needs at least one question", e.ID)
	}
	seen := make(map[string]struct{}, len(e.Questions))
	for i := range e.Questions {
		q := &e.Questions[i]
		if _, dup := seen[q.ID]; dup {
			return fmt.Errorf("exam %s: duplicate question id %q", e.ID, q.ID)
		}
		seen[q.ID] = struct{}{}
		if err := q.Validate(); err != nil {
			return fmt.Errorf("exam %s: %w", e.ID, err)
		}
	}
	return nil
}

// Paper strips the answer key so the definition can be shown to a candidate.
func (e *ExamDefinition) Paper() ExamPaper {
	questions := make([]QuestionForStudent, len(e.Questions))
	for i, q := range e.Questions {
		questions[i] = QuestionForStudent{
			ID:      q.ID,
			Text:    q.Text,
			Options: append([]string(nil), q.Options...),
			Marks:   q.Marks,
		}
	}
	return ExamPaper{
		ExamID:          e.ID,
		Code:            e.Code,
		Title:           e.Title,
		DurationMinutes: e.DurationMinutes,
		Instructions:    e.Instructions,
		Questions:       questions,
	}
}

// ExamPaper is the candidate-facing view of an exam (no correct answers).
type ExamPaper struct {
	ExamID          string               `json:"exam_id"`
	Code            string               `json:"code"`
	Title           string               `json:"title"`
	DurationMinutes int                  `json:"duration_minutes"`
	Instructions    []string             `json:"instructions,omitempty"`
	Questions       []QuestionForStudent `json:"questions"`
}
