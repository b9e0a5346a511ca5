package model

import (
	"fmt"
	"time"
)

// SessionState enumerates the lifecycle states of an attempt.
// Completed is never persisted: a completed attempt is represented by its result.
type SessionState string

const (
	SessionStateActive     SessionState = "ACTIVE"
	SessionStateFinalizing SessionState = "FINALIZING"
	SessionStateCompleted  SessionState = "COMPLETED"
)

// AnswerMap maps question id to the selected option index.
// A question missing from the map is unanswered.
type AnswerMap map[string]int

// Clone returns an independent copy.
func (a AnswerMap) Clone() AnswerMap {
	out := make(AnswerMap, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// ExamSession is the persisted snapshot of one in-progress attempt,
// keyed by (UserID, ExamID).
type ExamSession struct {
	UserID           string    `json:"user_id"`
	ExamID           string    `json:"exam_id"`
	Answers          AnswerMap `json:"answers"`
	RemainingSeconds int       `json:"remaining_seconds"`
	CurrentIndex     int       `json:"current_index"`
	LastHeartbeatAt  time.Time `json:"last_heartbeat_at"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s ExamSession) Clone() ExamSession {
	s.Answers = s.Answers.Clone()
	return s
}

// CheckAgainst verifies a loaded snapshot is consistent with its definition.
func (s *ExamSession) CheckAgainst(def *ExamDefinition) error {
	if s.RemainingSeconds < 0 || s.RemainingSeconds > def.DurationSeconds() {
		return fmt.Errorf("remaining seconds %d outside [0, %d]", s.RemainingSeconds, def.DurationSeconds())
	}
	if s.CurrentIndex < 0 || s.CurrentIndex >= len(def.Questions) {
		return fmt.Errorf("current index %d outside [0, %d)", s.CurrentIndex, len(def.Questions))
	}
	for qID, opt := range s.Answers {
		q, ok := def.Question(qID)
		if !ok {
			return fmt.Errorf("answer for unknown question %q", qID)
		}
		if !q.ValidOption(opt) {
			return fmt.Errorf("answer %d out of range for question %q", opt, qID)
		}
	}
	return nil
}

// SetAnswerRequest is the payload for recording an answer.
// Option is a pointer so that option 0 passes the required check.
type SetAnswerRequest struct {
	QuestionID string `json:"question_id" binding:"required,max=64"`
	Option     *int   `json:"option" binding:"required"`
}

// NavigateRequest is the payload for moving to another question.
type NavigateRequest struct {
	Index *int `json:"index" binding:"required"`
}

// AttemptProgress is the staff-facing view of one in-progress attempt.
type AttemptProgress struct {
	UserID           string    `json:"user_id"`
	Answered         int       `json:"answered"`
	RemainingSeconds int       `json:"remaining_seconds"`
	CurrentIndex     int       `json:"current_index"`
	LastHeartbeatAt  time.Time `json:"last_heartbeat_at"`
}
