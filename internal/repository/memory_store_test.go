package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stemsi/exstem-cbt/internal/model"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

func TestMemoryStore_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	snap := &model.ExamSession{UserID: "u", ExamID: "e", Answers: model.AnswerMap{"q1": 1}, RemainingSeconds: 60}

	_, err := m.LoadSession(ctx, "u", "e")
	assert(t, errors.Is(err, model.ErrSessionNotFound), "expected ErrSessionNotFound, got %v", err)

	assert(t, m.CreateSession(ctx, snap) == nil, "first create should succeed")
	err = m.CreateSession(ctx, snap)
	assert(t, errors.Is(err, model.ErrSessionExists), "expected ErrSessionExists, got %v", err)

	// Stored copies are isolated from the caller's map.
	snap.Answers["q1"] = 3
	got, err := m.LoadSession(ctx, "u", "e")
	assert(t, err == nil, "load: %v", err)
	assert(t, got.Answers["q1"] == 1, "stored answer mutated through caller map")

	got.RemainingSeconds = 42
	assert(t, m.SaveSession(ctx, got) == nil, "save should succeed")
	got, _ = m.LoadSession(ctx, "u", "e")
	assert(t, got.RemainingSeconds == 42, "expected 42, got %d", got.RemainingSeconds)

	assert(t, m.DeleteSession(ctx, "u", "e") == nil, "delete should succeed")
	assert(t, m.DeleteSession(ctx, "u", "e") == nil, "deleting a missing session is not an error")
	assert(t, m.SessionCount() == 0, "expected no sessions")
}

func TestMemoryStore_ResultGuardsSessions(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	snap := &model.ExamSession{UserID: "u", ExamID: "e", RemainingSeconds: 60}
	res := &model.ExamResult{UserID: "u", ExamID: "e", Score: 2}

	assert(t, m.InsertResult(ctx, res) == nil, "first insert should succeed")
	err := m.InsertResult(ctx, &model.ExamResult{UserID: "u", ExamID: "e", Score: 4})
	assert(t, errors.Is(err, model.ErrResultExists), "expected ErrResultExists, got %v", err)

	stored, err := m.LoadResult(ctx, "u", "e")
	assert(t, err == nil && stored.Score == 2, "first result must win, got %+v (%v)", stored, err)

	err = m.CreateSession(ctx, snap)
	assert(t, errors.Is(err, model.ErrResultExists), "create after result: %v", err)
	err = m.SaveSession(ctx, snap)
	assert(t, errors.Is(err, model.ErrResultExists), "save after result: %v", err)
	assert(t, m.SessionCount() == 0, "finalized pair must not gain a session")
}

func TestMemoryStore_DeleteStaleSessions(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now()

	for _, s := range []model.ExamSession{
		{UserID: "fresh", ExamID: "e", LastHeartbeatAt: now},
		{UserID: "stale", ExamID: "e", LastHeartbeatAt: now.Add(-3 * time.Hour)},
		{UserID: "orphan", ExamID: "e", LastHeartbeatAt: now},
	} {
		s := s
		assert(t, m.CreateSession(ctx, &s) == nil, "seed %s", s.UserID)
	}
	// An orphan is a session left behind after its result was written.
	m.results[pairKey{"orphan", "e"}] = model.ExamResult{UserID: "orphan", ExamID: "e"}

	n, err := m.DeleteStaleSessions(ctx, now.Add(-time.Hour))
	assert(t, err == nil, "purge: %v", err)
	assert(t, n == 2, "expected 2 purged, got %d", n)

	_, err = m.LoadSession(ctx, "fresh", "e")
	assert(t, err == nil, "fresh session must survive")
}

func TestMemoryStore_ListResultsNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, exam := range []string{"e1", "e2", "e3"} {
		err := m.InsertResult(ctx, &model.ExamResult{UserID: "u", ExamID: exam, SubmittedAt: base.Add(time.Duration(i) * time.Hour)})
		assert(t, err == nil, "seed: %v", err)
	}
	assert(t, m.InsertResult(ctx, &model.ExamResult{UserID: "other", ExamID: "e1", SubmittedAt: base}) == nil, "seed other")

	mine, _ := m.ListResultsByUser(ctx, "u")
	assert(t, len(mine) == 3, "expected 3 results, got %d", len(mine))
	assert(t, mine[0].ExamID == "e3" && mine[2].ExamID == "e1", "wrong order: %+v", mine)

	byExam, _ := m.ListResultsByExam(ctx, "e1")
	assert(t, len(byExam) == 2, "expected 2 results for e1, got %d", len(byExam))
}
