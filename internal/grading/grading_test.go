package grading

import (
	"errors"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/stemsi/exstem-cbt/internal/model"
)

func twoQuestionExam() *model.ExamDefinition {
	return &model.ExamDefinition{
		ID:              "e1",
		Code:            "CSC101",
		Title:           "Intro to Computing",
		DurationMinutes: 1,
		Status:          model.ExamStatusLive,
		Questions: []model.Question{
			{ID: "q1", Text: "2+2?", Options: []string{"3", "4", "5", "6"}, CorrectOption: 1, Marks: 2},
			{ID: "q2", Text: "Capital of France?", Options: []string{"Paris", "Rome", "Lagos", "Accra"}, CorrectOption: 0, Marks: 2},
		},
	}
}

func TestGrade(t *testing.T) {
	tests := []struct {
		name       string
		answers    model.AnswerMap
		score      int
		total      int
		percentage string
		grade      string
	}{
		{name: "first correct only", answers: model.AnswerMap{"q1": 1, "q2": 3}, score: 2, total: 4, percentage: "50.00", grade: "C"},
		{name: "all correct", answers: model.AnswerMap{"q1": 1, "q2": 0}, score: 4, total: 4, percentage: "100.00", grade: "A"},
		{name: "nothing answered", answers: model.AnswerMap{}, score: 0, total: 4, percentage: "0.00", grade: "F"},
		{name: "nil answers", answers: nil, score: 0, total: 4, percentage: "0.00", grade: "F"},
		{name: "unknown question ignored", answers: model.AnswerMap{"zz": 1, "q2": 0}, score: 2, total: 4, percentage: "50.00", grade: "C"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Grade(twoQuestionExam(), tc.answers, DefaultBands())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Score != tc.score || got.TotalMarks != tc.total {
				t.Fatalf("expected %d/%d, got %d/%d", tc.score, tc.total, got.Score, got.TotalMarks)
			}
			if got.PercentageText != tc.percentage {
				t.Fatalf("expected percentage=%s, got=%s", tc.percentage, got.PercentageText)
			}
			if got.Grade.Grade != tc.grade {
				t.Fatalf("expected grade=%s, got=%s", tc.grade, got.Grade.Grade)
			}
		})
	}
}

func TestGrade_BreakdownKeepsOrderAndOptions(t *testing.T) {
	def := twoQuestionExam()
	got, err := Grade(def, model.AnswerMap{"q2": 0}, DefaultBands())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Breakdown) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got.Breakdown))
	}

	first := got.Breakdown[0]
	if first.Question != "2+2?" || first.UserAnswer != nil || first.IsCorrect || first.ObtainedMarks != 0 {
		t.Fatalf("unexpected first row: %+v", first)
	}
	if !reflect.DeepEqual(first.Options, def.Questions[0].Options) {
		t.Fatalf("options not preserved: %v", first.Options)
	}

	second := got.Breakdown[1]
	if second.UserAnswer == nil || *second.UserAnswer != 0 || !second.IsCorrect || second.ObtainedMarks != 2 || second.Marks != 2 {
		t.Fatalf("unexpected second row: %+v", second)
	}

	// Mutating the breakdown must not reach back into the definition.
	first.Options[0] = "changed"
	if def.Questions[0].Options[0] != "3" {
		t.Fatal("breakdown options alias the definition")
	}
}

func TestGrade_Deterministic(t *testing.T) {
	def := twoQuestionExam()
	answers := model.AnswerMap{"q1": 1, "q2": 2}

	first, err := Grade(def, answers, DefaultBands())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Grade(def, answers, DefaultBands())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(first.Breakdown, again.Breakdown) ||
			first.PercentageText != again.PercentageText ||
			first.Grade != again.Grade || first.Score != again.Score {
			t.Fatalf("run %d differs from first run", i)
		}
	}
}

func TestGrade_ThirdsRoundToTwoPlaces(t *testing.T) {
	def := &model.ExamDefinition{
		ID: "e2", DurationMinutes: 10,
		Questions: []model.Question{
			{ID: "a", Options: []string{"x", "y"}, CorrectOption: 0, Marks: 1},
			{ID: "b", Options: []string{"x", "y"}, CorrectOption: 0, Marks: 1},
			{ID: "c", Options: []string{"x", "y"}, CorrectOption: 0, Marks: 1},
		},
	}
	got, err := Grade(def, model.AnswerMap{"a": 0, "b": 0}, DefaultBands())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.PercentageText != "66.67" {
		t.Fatalf("expected 66.67, got %s", got.PercentageText)
	}
	if got.Grade.Grade != "B" {
		t.Fatalf("expected B, got %s", got.Grade.Grade)
	}
}

func TestGrade_ConfigurationErrors(t *testing.T) {
	empty := &model.ExamDefinition{ID: "e", DurationMinutes: 5}
	if _, err := Grade(empty, nil, DefaultBands()); !errors.Is(err, ErrNoQuestions) {
		t.Fatalf("expected ErrNoQuestions, got %v", err)
	}

	zero := &model.ExamDefinition{ID: "e", DurationMinutes: 5, Questions: []model.Question{
		{ID: "q", Options: []string{"a", "b"}, Marks: 0},
	}}
	if _, err := Grade(zero, nil, DefaultBands()); !errors.Is(err, ErrZeroTotalMarks) {
		t.Fatalf("expected ErrZeroTotalMarks, got %v", err)
	}
}

func TestGrade_CustomBands(t *testing.T) {
	bands := Bands{
		{Min: decimal.NewFromInt(50), Grade: "PASS", Remark: "Pass"},
		{Min: decimal.Zero, Grade: "FAIL", Remark: "Fail"},
	}
	got, err := Grade(twoQuestionExam(), model.AnswerMap{"q1": 1}, bands)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Grade != (model.Grade{Grade: "PASS", Remark: "Pass"}) {
		t.Fatalf("unexpected grade %+v", got.Grade)
	}
}
