package model

import "fmt"

// Question represents a single multiple-choice question.
type Question struct {
	ID            string   `json:"id" yaml:"id"`
	Text          string   `json:"text" yaml:"text"`
	Options       []string `json:"options" yaml:"options"`
	CorrectOption int      `json:"correct_option" yaml:"correct_option"`
	Marks         int      `json:"marks" yaml:"marks"`
}

// ValidOption reports whether idx addresses one of the question's options.
func (q *Question) ValidOption(idx int) bool {
	return idx >= 0 && idx < len(q.Options)
}

// Validate checks option count, answer index and marks.
func (q *Question) Validate() error {
	if q.ID == "" {
		return fmt.Errorf("question id is required")
	}
	if len(q.Options) < 2 {
		return fmt.Errorf("question %s: needs at least two options", q.ID)
	}
	if !q.ValidOption(q.CorrectOption) {
		return fmt.Errorf("question %s: correct option %d out of range", q.ID, q.CorrectOption)
	}
	if q.Marks <= 0 {
		return fmt.Errorf("question %s: marks must be positive", q.ID)
	}
	return nil
}

// QuestionForStudent is a question without the correct answer, sent to students.
type QuestionForStudent struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Options []string `json:"options"`
	Marks   int      `json:"marks"`
}
