// Package grading turns an exam definition and a candidate's answers into a
// score breakdown. Everything here is pure: the same inputs always produce the
// same outcome.
package grading

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/stemsi/exstem-cbt/internal/model"
)

var (
	ErrNoQuestions    = errors.New("exam has no questions")
	ErrZeroTotalMarks = errors.New("exam total marks is zero")
)

var hundred = decimal.NewFromInt(100)

// Outcome carries the graded fields of an ExamResult.
type Outcome struct {
	Score      int
	TotalMarks int
	// Percentage is exact; PercentageText is the 2dp form that gets stored.
	Percentage     decimal.Decimal
	PercentageText string
	Grade          model.Grade
	Breakdown      []model.QuestionOutcome
}

// Grade scores answers against def in question order. Unanswered questions and
// answers that do not match the correct option earn nothing.
func Grade(def *model.ExamDefinition, answers model.AnswerMap, bands Bands) (*Outcome, error) {
	if len(def.Questions) == 0 {
		return nil, ErrNoQuestions
	}

	out := &Outcome{Breakdown: make([]model.QuestionOutcome, 0, len(def.Questions))}
	for _, q := range def.Questions {
		row := model.QuestionOutcome{
			Question:      q.Text,
			Options:       append([]string(nil), q.Options...),
			CorrectAnswer: q.CorrectOption,
			Marks:         q.Marks,
		}
		if selected, ok := answers[q.ID]; ok {
			sel := selected
			row.UserAnswer = &sel
			row.IsCorrect = selected == q.CorrectOption
		}
		if row.IsCorrect {
			row.ObtainedMarks = q.Marks
		}

		out.Score += row.ObtainedMarks
		out.TotalMarks += q.Marks
		out.Breakdown = append(out.Breakdown, row)
	}

	if out.TotalMarks <= 0 {
		return nil, ErrZeroTotalMarks
	}

	out.Percentage = decimal.NewFromInt(int64(out.Score)).
		Mul(hundred).
		Div(decimal.NewFromInt(int64(out.TotalMarks)))
	out.PercentageText = out.Percentage.StringFixed(2)
	out.Grade = bands.Classify(out.Percentage)

	return out, nil
}
