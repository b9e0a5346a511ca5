package model

import "time"

// Grade is a banded letter grade with its remark.
type Grade struct {
	Grade  string `json:"grade"`
	Remark string `json:"remark"`
}

// QuestionOutcome is one row of a result's per-question breakdown.
type QuestionOutcome struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correct_answer"`
	UserAnswer    *int     `json:"user_answer"`
	IsCorrect     bool     `json:"is_correct"`
	Marks         int      `json:"marks"`
	ObtainedMarks int      `json:"obtained_marks"`
}

// ExamResult is the permanent graded record of an attempt. At most one exists
// per (UserID, ExamID) and it is never mutated after creation.
type ExamResult struct {
	ExamID            string            `json:"exam_id"`
	ExamCode          string            `json:"exam_code"`
	ExamTitle         string            `json:"exam_title"`
	UserID            string            `json:"user_id"`
	UserName          string            `json:"user_name"`
	Matric            string            `json:"matric,omitempty"`
	Score             int               `json:"score"`
	TotalMarks        int               `json:"total_marks"`
	Percentage        string            `json:"percentage"`
	Grade             Grade             `json:"grade"`
	AcademicSession   string            `json:"session"`
	Semester          string            `json:"semester"`
	SubmittedAt       time.Time         `json:"submitted_at"`
	QuestionBreakdown []QuestionOutcome `json:"question_breakdown"`
}

// Clone returns a deep copy.
func (r ExamResult) Clone() ExamResult {
	breakdown := make([]QuestionOutcome, len(r.QuestionBreakdown))
	for i, q := range r.QuestionBreakdown {
		q.Options = append([]string(nil), q.Options...)
		if q.UserAnswer != nil {
			ans := *q.UserAnswer
			q.UserAnswer = &ans
		}
		breakdown[i] = q
	}
	r.QuestionBreakdown = breakdown
	return r
}

// ResultSummary is a result row without its breakdown, for listings.
type ResultSummary struct {
	ExamID          string    `json:"exam_id"`
	ExamCode        string    `json:"exam_code"`
	ExamTitle       string    `json:"exam_title"`
	UserID          string    `json:"user_id"`
	UserName        string    `json:"user_name"`
	Matric          string    `json:"matric,omitempty"`
	Score           int       `json:"score"`
	TotalMarks      int       `json:"total_marks"`
	Percentage      string    `json:"percentage"`
	Grade           Grade     `json:"grade"`
	AcademicSession string    `json:"session"`
	Semester        string    `json:"semester"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// Summary drops the breakdown.
func (r *ExamResult) Summary() ResultSummary {
	return ResultSummary{
		ExamID:          r.ExamID,
		ExamCode:        r.ExamCode,
		ExamTitle:       r.ExamTitle,
		UserID:          r.UserID,
		UserName:        r.UserName,
		Matric:          r.Matric,
		Score:           r.Score,
		TotalMarks:      r.TotalMarks,
		Percentage:      r.Percentage,
		Grade:           r.Grade,
		AcademicSession: r.AcademicSession,
		Semester:        r.Semester,
		SubmittedAt:     r.SubmittedAt,
	}
}
