package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-cbt/internal/engine"
	"github.com/stemsi/exstem-cbt/internal/model"
)

// ExamSessionService binds HTTP callers to the session engine. It reads the
// portal settings once per request and passes them to the engine.
type ExamSessionService struct {
	engine   *engine.Engine
	settings *SettingService
	exams    *ExamService
	results  ResultReader
	log      zerolog.Logger
}

// NewExamSessionService creates a new ExamSessionService.
func NewExamSessionService(
	eng *engine.Engine,
	settings *SettingService,
	exams *ExamService,
	results ResultReader,
	log zerolog.Logger,
) *ExamSessionService {
	return &ExamSessionService{
		engine:   eng,
		settings: settings,
		exams:    exams,
		results:  results,
		log:      log.With().Str("component", "exam_session_service").Logger(),
	}
}

// LobbyStatus is how an exam appears in the student lobby.
type LobbyStatus string

const (
	LobbyStatusAvailable LobbyStatus = "AVAILABLE"
	LobbyStatusLocked    LobbyStatus = "LOCKED"
	LobbyStatusCompleted LobbyStatus = "COMPLETED"
)

// LobbyExam is a live exam with the caller's status for it.
type LobbyExam struct {
	ExamID          string               `json:"exam_id"`
	Code            string               `json:"code"`
	Title           string               `json:"title"`
	DurationMinutes int                  `json:"duration_minutes"`
	LobbyStatus     LobbyStatus          `json:"lobby_status"`
	Result          *model.ResultSummary `json:"result,omitempty"`
}

// OpenedAttempt is returned when an attempt is created or resumed.
type OpenedAttempt struct {
	Session engine.View     `json:"session"`
	Paper   model.ExamPaper `json:"paper"`
}

func (s *ExamSessionService) attempt(ctx context.Context, p model.Principal, examID string) (engine.Attempt, error) {
	settings, err := s.settings.Portal(ctx)
	if err != nil {
		return engine.Attempt{}, fmt.Errorf("%w: %v", ErrSettingsUnavailable, err)
	}
	return engine.Attempt{Principal: p, ExamID: examID, Settings: settings}, nil
}

// Lobby lists live exams with the caller's completion status.
func (s *ExamSessionService) Lobby(ctx context.Context, p model.Principal) ([]LobbyExam, error) {
	settings, err := s.settings.Portal(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSettingsUnavailable, err)
	}
	exams, err := s.exams.ListLive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list live exams: %w", err)
	}
	done, err := s.results.ListResultsByUser(ctx, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}

	byExam := make(map[string]*model.ResultSummary, len(done))
	for i := range done {
		byExam[done[i].ExamID] = &done[i]
	}

	locked := !settings.ExamAvailability && s.engine.Guard().Gated(p.Role)
	lobby := make([]LobbyExam, 0, len(exams))
	for _, e := range exams {
		entry := LobbyExam{
			ExamID:          e.ID,
			Code:            e.Code,
			Title:           e.Title,
			DurationMinutes: e.DurationMinutes,
			LobbyStatus:     LobbyStatusAvailable,
		}
		switch res, ok := byExam[e.ID]; {
		case ok:
			entry.LobbyStatus = LobbyStatusCompleted
			entry.Result = res
		case locked:
			entry.LobbyStatus = LobbyStatusLocked
		}
		lobby = append(lobby, entry)
	}
	return lobby, nil
}

// Admit reports whether the caller may start the exam.
func (s *ExamSessionService) Admit(ctx context.Context, p model.Principal, examID string) (*engine.Admission, error) {
	a, err := s.attempt(ctx, p, examID)
	if err != nil {
		return nil, err
	}
	return s.engine.Admit(ctx, a)
}

// Open creates or resumes the caller's attempt.
func (s *ExamSessionService) Open(ctx context.Context, p model.Principal, examID string) (*OpenedAttempt, error) {
	a, err := s.attempt(ctx, p, examID)
	if err != nil {
		return nil, err
	}
	sess, err := s.engine.Open(ctx, a)
	if err != nil {
		return nil, err
	}
	if res, ok := sess.Result(); ok && res != nil {
		return nil, engine.ErrAlreadySubmitted
	}

	s.log.Debug().Str("user_id", p.UserID).Str("exam_id", examID).Msg("Attempt opened")
	return &OpenedAttempt{Session: sess.View(), Paper: sess.Paper()}, nil
}

// State returns the caller's current snapshot.
func (s *ExamSessionService) State(ctx context.Context, p model.Principal, examID string) (engine.View, error) {
	a, err := s.attempt(ctx, p, examID)
	if err != nil {
		return engine.View{}, err
	}
	return s.engine.State(ctx, a)
}

// SetAnswer records an answer.
func (s *ExamSessionService) SetAnswer(ctx context.Context, p model.Principal, examID, questionID string, option int) (engine.View, error) {
	a, err := s.attempt(ctx, p, examID)
	if err != nil {
		return engine.View{}, err
	}
	return s.engine.SetAnswer(ctx, a, questionID, option)
}

// Navigate moves the current question.
func (s *ExamSessionService) Navigate(ctx context.Context, p model.Principal, examID string, index int) (engine.View, error) {
	a, err := s.attempt(ctx, p, examID)
	if err != nil {
		return engine.View{}, err
	}
	return s.engine.Navigate(ctx, a, index)
}

// Heartbeat persists the current snapshot.
func (s *ExamSessionService) Heartbeat(ctx context.Context, p model.Principal, examID string) (engine.View, error) {
	a, err := s.attempt(ctx, p, examID)
	if err != nil {
		return engine.View{}, err
	}
	return s.engine.Heartbeat(ctx, a)
}

// Submit finalizes the attempt. A repeated submit returns the stored result.
func (s *ExamSessionService) Submit(ctx context.Context, p model.Principal, examID string) (*model.ExamResult, error) {
	a, err := s.attempt(ctx, p, examID)
	if err != nil {
		return nil, err
	}
	return s.engine.Submit(ctx, a)
}

// Attach opens the attempt and subscribes to its event stream.
func (s *ExamSessionService) Attach(ctx context.Context, p model.Principal, examID string) (*engine.Session, *engine.Subscription, error) {
	a, err := s.attempt(ctx, p, examID)
	if err != nil {
		return nil, nil, err
	}
	return s.engine.Attach(ctx, a)
}
