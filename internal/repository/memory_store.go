package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stemsi/exstem-cbt/internal/model"
)

type pairKey struct {
	userID string
	examID string
}

// MemoryStore keeps sessions, results and exam definitions in process memory.
// It backs STORE_BACKEND=memory and the engine tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[pairKey]model.ExamSession
	results  map[pairKey]model.ExamResult
	exams    map[string]model.ExamDefinition
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[pairKey]model.ExamSession),
		results:  make(map[pairKey]model.ExamResult),
		exams:    make(map[string]model.ExamDefinition),
	}
}

// ─── Sessions ───────────────────────────────────────────────────────

func (m *MemoryStore) LoadSession(_ context.Context, userID, examID string) (*model.ExamSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[pairKey{userID, examID}]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	out := s.Clone()
	return &out, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s *model.ExamSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey{s.UserID, s.ExamID}
	if _, ok := m.results[k]; ok {
		return model.ErrResultExists
	}
	if _, ok := m.sessions[k]; ok {
		return model.ErrSessionExists
	}
	m.sessions[k] = s.Clone()
	return nil
}

func (m *MemoryStore) SaveSession(_ context.Context, s *model.ExamSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey{s.UserID, s.ExamID}
	if _, ok := m.results[k]; ok {
		return model.ErrResultExists
	}
	m.sessions[k] = s.Clone()
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, userID, examID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, pairKey{userID, examID})
	return nil
}

// DeleteStaleSessions removes sessions whose last heartbeat is before cutoff
// and sessions whose pair already has a result.
func (m *MemoryStore) DeleteStaleSessions(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, s := range m.sessions {
		_, finalized := m.results[k]
		if finalized || s.LastHeartbeatAt.Before(cutoff) {
			delete(m.sessions, k)
			n++
		}
	}
	return n, nil
}

// SessionCount returns the number of stored sessions.
func (m *MemoryStore) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ─── Results ────────────────────────────────────────────────────────

func (m *MemoryStore) LoadResult(_ context.Context, userID, examID string) (*model.ExamResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[pairKey{userID, examID}]
	if !ok {
		return nil, model.ErrResultNotFound
	}
	out := r.Clone()
	return &out, nil
}

func (m *MemoryStore) InsertResult(_ context.Context, r *model.ExamResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pairKey{r.UserID, r.ExamID}
	if _, ok := m.results[k]; ok {
		return model.ErrResultExists
	}
	m.results[k] = r.Clone()
	return nil
}

func (m *MemoryStore) ListResultsByUser(_ context.Context, userID string) ([]model.ResultSummary, error) {
	return m.listResults(func(r *model.ExamResult) bool { return r.UserID == userID }), nil
}

func (m *MemoryStore) ListResultsByExam(_ context.Context, examID string) ([]model.ResultSummary, error) {
	return m.listResults(func(r *model.ExamResult) bool { return r.ExamID == examID }), nil
}

func (m *MemoryStore) listResults(match func(*model.ExamResult) bool) []model.ResultSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.ResultSummary, 0)
	for _, r := range m.results {
		if match(&r) {
			out = append(out, r.Summary())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// ResultCount returns the number of stored results.
func (m *MemoryStore) ResultCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.results)
}

// ─── Exams ──────────────────────────────────────────────────────────

// PutExam stores or replaces a definition.
func (m *MemoryStore) PutExam(def *model.ExamDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exams[def.ID] = *def
}

func (m *MemoryStore) GetDefinition(_ context.Context, examID string) (*model.ExamDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.exams[examID]
	if !ok {
		return nil, model.ErrExamNotFound
	}
	return &def, nil
}

// ListByStatus returns exams in the given status ordered by code, without
// questions.
func (m *MemoryStore) ListByStatus(_ context.Context, status model.ExamStatus) ([]model.ExamDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.ExamDefinition, 0)
	for _, def := range m.exams {
		if def.Status == status {
			def.Questions = nil
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// ListInProgress returns the progress of every unfinished attempt on the exam.
func (m *MemoryStore) ListInProgress(_ context.Context, examID string) ([]model.AttemptProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AttemptProgress, 0)
	for k, s := range m.sessions {
		if k.examID != examID {
			continue
		}
		if _, done := m.results[k]; done {
			continue
		}
		out = append(out, model.AttemptProgress{
			UserID:           s.UserID,
			Answered:         len(s.Answers),
			RemainingSeconds: s.RemainingSeconds,
			CurrentIndex:     s.CurrentIndex,
			LastHeartbeatAt:  s.LastHeartbeatAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
