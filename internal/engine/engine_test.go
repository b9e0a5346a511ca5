package engine

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stemsi/exstem-cbt/internal/model"
)

func TestOpen_CreatesFreshSession(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	s, err := h.engine.Open(ctx, attempt())
	assert(t, err == nil, "open: %v", err)

	v := s.View()
	assert(t, v.State == model.SessionStateActive, "expected ACTIVE, got %s", v.State)
	assert(t, v.RemainingSeconds == 60, "expected 60s, got %d", v.RemainingSeconds)
	assert(t, v.CurrentIndex == 0 && len(v.Answers) == 0, "fresh session should be empty: %+v", v)
	assert(t, v.QuestionCount == 2, "expected 2 questions, got %d", v.QuestionCount)

	stored, err := h.store.LoadSession(ctx, "u-1", "exam-1")
	assert(t, err == nil, "created session must be persisted immediately: %v", err)
	assert(t, stored.RemainingSeconds == 60, "persisted remaining=%d", stored.RemainingSeconds)

	paper := s.Paper()
	assert(t, len(paper.Questions) == 2 && paper.Questions[0].Text == "2+2?", "unexpected paper: %+v", paper)
}

func TestOpen_DeniedByGuard(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	a := attempt()
	a.Settings.ExamAvailability = false
	_, err := h.engine.Open(ctx, a)
	assert(t, errors.Is(err, ErrPortalLocked), "expected ErrPortalLocked, got %v", err)
	assert(t, h.store.SessionCount() == 0, "denied open must not create a session")

	a = attempt()
	a.ExamID = "missing"
	_, err = h.engine.Open(ctx, a)
	assert(t, errors.Is(err, ErrExamUnavailable), "expected ErrExamUnavailable, got %v", err)
}

func TestOpen_ConcurrentCallersShareOneOwner(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	const callers = 20
	sessions := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := h.engine.Open(ctx, attempt())
			if err != nil {
				t.Errorf("open %d: %v", i, err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert(t, sessions[i] == sessions[0], "caller %d got a different owner", i)
	}
	assert(t, h.engine.Active() == 1, "expected 1 active actor, got %d", h.engine.Active())
}

func TestCreate_RefusesExistingSession(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	_, err := h.engine.Create(ctx, attempt())
	assert(t, err == nil, "create: %v", err)
	_, err = h.engine.Create(ctx, attempt())
	assert(t, errors.Is(err, ErrSessionExists), "expected ErrSessionExists, got %v", err)
}

func TestResume_NothingPersisted(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Resume(testCtx(t), attempt())
	assert(t, errors.Is(err, ErrNoSession), "expected ErrNoSession, got %v", err)
}

func TestSetAnswerAndNavigate_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	a := attempt()

	_, err := h.engine.Open(ctx, a)
	assert(t, err == nil, "open: %v", err)

	tests := []struct {
		name   string
		run    func() error
		expect error
	}{
		{name: "valid answer", run: func() error { _, err := h.engine.SetAnswer(ctx, a, "q1", 3); return err }},
		{name: "overwrite answer", run: func() error { _, err := h.engine.SetAnswer(ctx, a, "q1", 1); return err }},
		{name: "unknown question", run: func() error { _, err := h.engine.SetAnswer(ctx, a, "q9", 0); return err }, expect: ErrInvalidQuestion},
		{name: "option too large", run: func() error { _, err := h.engine.SetAnswer(ctx, a, "q2", 4); return err }, expect: ErrInvalidOption},
		{name: "negative option", run: func() error { _, err := h.engine.SetAnswer(ctx, a, "q2", -1); return err }, expect: ErrInvalidOption},
		{name: "valid index", run: func() error { _, err := h.engine.Navigate(ctx, a, 1); return err }},
		{name: "index past end", run: func() error { _, err := h.engine.Navigate(ctx, a, 2); return err }, expect: ErrInvalidIndex},
		{name: "negative index", run: func() error { _, err := h.engine.Navigate(ctx, a, -1); return err }, expect: ErrInvalidIndex},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.run()
			if tc.expect == nil {
				assert(t, err == nil, "unexpected error: %v", err)
				return
			}
			assert(t, errors.Is(err, tc.expect), "expected %v, got %v", tc.expect, err)
		})
	}

	v, err := h.engine.State(ctx, a)
	assert(t, err == nil, "state: %v", err)
	assert(t, reflect.DeepEqual(v.Answers, model.AnswerMap{"q1": 1}), "rejected calls must not apply: %v", v.Answers)
	assert(t, v.CurrentIndex == 1, "expected index 1, got %d", v.CurrentIndex)
	assert(t, v.RemainingSeconds == 60, "answers must not change the countdown")
}

func TestSubmit_GradesAndDeletesSession(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	a := attempt()

	var hooked atomic.Int32
	h.engine.OnFinalized(func(context.Context, *model.ExamResult) { hooked.Add(1) })

	_, err := h.engine.Open(ctx, a)
	assert(t, err == nil, "open: %v", err)
	_, err = h.engine.SetAnswer(ctx, a, "q1", 1)
	assert(t, err == nil, "answer q1: %v", err)
	_, err = h.engine.SetAnswer(ctx, a, "q2", 2)
	assert(t, err == nil, "answer q2: %v", err)

	res, err := h.engine.Submit(ctx, a)
	assert(t, err == nil, "submit: %v", err)
	assert(t, res.Score == 2 && res.TotalMarks == 4, "expected 2/4, got %d/%d", res.Score, res.TotalMarks)
	assert(t, res.Percentage == "50.00", "expected 50.00, got %s", res.Percentage)
	assert(t, res.Grade == model.Grade{Grade: "C", Remark: "Good"}, "unexpected grade %+v", res.Grade)
	assert(t, res.UserName == "Ada Obi" && res.Matric == "CSC/2020/001", "principal not copied: %+v", res)
	assert(t, res.AcademicSession == "2023/2024" && res.Semester == "Second Semester", "labels not copied: %+v", res)
	assert(t, res.ExamCode == "CSC101" && res.ExamTitle == "Intro to Computing", "exam not copied: %+v", res)

	_, err = h.store.LoadSession(ctx, "u-1", "exam-1")
	assert(t, errors.Is(err, model.ErrSessionNotFound), "session must be deleted after finalize, got %v", err)
	assert(t, h.store.ResultCount() == 1, "expected 1 result, got %d", h.store.ResultCount())
	assert(t, hooked.Load() == 1, "hook should run once, ran %d", hooked.Load())

	again, err := h.engine.Submit(ctx, a)
	assert(t, err == nil, "duplicate submit should succeed: %v", err)
	assert(t, reflect.DeepEqual(again, res), "duplicate submit returned different content")
	assert(t, hooked.Load() == 1, "hook must not run for duplicates")

	_, err = h.engine.SetAnswer(ctx, a, "q1", 0)
	assert(t, errors.Is(err, ErrAlreadySubmitted), "answers after finalize: expected ErrAlreadySubmitted, got %v", err)

	_, err = h.engine.Open(ctx, a)
	assert(t, errors.Is(err, ErrAlreadySubmitted), "reopen: expected ErrAlreadySubmitted, got %v", err)
}

func TestTick_TimeoutFinalizesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	a := attempt()

	s, err := h.engine.Open(ctx, a)
	assert(t, err == nil, "open: %v", err)

	for i := 0; i < 59; i++ {
		v, err := s.Tick(ctx)
		assert(t, err == nil, "tick %d: %v", i, err)
		assert(t, v.RemainingSeconds == 59-i, "tick %d: remaining=%d", i, v.RemainingSeconds)
	}
	_, err = s.Tick(ctx)
	assert(t, err == nil, "last tick: %v", err)

	<-s.Done()
	res, ok := s.Result()
	assert(t, ok, "session should have completed on timeout")
	assert(t, res.Score == 0 && res.Percentage == "0.00" && res.Grade.Grade == "F", "unexpected result %+v", res)
	assert(t, s.View().State == model.SessionStateCompleted, "expected COMPLETED")

	_, err = s.Tick(ctx)
	assert(t, errors.Is(err, ErrNotActive), "tick after completion: expected ErrNotActive, got %v", err)

	_, err = h.store.LoadSession(ctx, "u-1", "exam-1")
	assert(t, errors.Is(err, model.ErrSessionNotFound), "session record must be removed")
	assert(t, h.store.ResultCount() == 1, "expected exactly one result")
}

func TestTick_ZeroBlocksInput(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	h.store.insertFailures.Store(1000)

	s, err := h.engine.Open(ctx, attempt())
	assert(t, err == nil, "open: %v", err)
	for i := 0; i < 60; i++ {
		_, _ = s.Tick(ctx)
	}

	v := s.View()
	assert(t, v.State == model.SessionStateActive && v.RemainingSeconds == 0, "failed timeout finalize keeps session active at 0: %+v", v)
	_, err = s.SetAnswer(ctx, "q1", 1)
	assert(t, errors.Is(err, ErrNotActive), "input after time is up: expected ErrNotActive, got %v", err)

	h.store.insertFailures.Store(0)
	_, err = s.Tick(ctx)
	assert(t, err == nil, "retry tick: %v", err)
	<-s.Done()
	_, ok := s.Result()
	assert(t, ok, "next tick should retry the timeout finalize")
}

func TestResume_RestoresLastHeartbeatExactly(t *testing.T) {
	store := newFlakyStore()
	store.PutExam(twoQuestionExam())
	first := newHarnessWithStore(t, store)
	ctx := testCtx(t)
	a := attempt()

	s, err := first.engine.Open(ctx, a)
	assert(t, err == nil, "open: %v", err)
	_, err = s.SetAnswer(ctx, "q1", 2)
	assert(t, err == nil, "answer: %v", err)
	_, err = s.Navigate(ctx, 1)
	assert(t, err == nil, "navigate: %v", err)
	for i := 0; i < 3; i++ {
		_, _ = s.Tick(ctx)
	}
	beat, err := s.Heartbeat(ctx)
	assert(t, err == nil, "heartbeat: %v", err)

	// Changes after the last heartbeat are lost in the crash.
	_, _ = s.SetAnswer(ctx, "q2", 0)
	_, _ = s.Navigate(ctx, 0)
	_, _ = s.Tick(ctx)

	second := newHarnessWithStore(t, store)
	resumed, err := second.engine.Resume(ctx, a)
	assert(t, err == nil, "resume: %v", err)

	v := resumed.View()
	assert(t, reflect.DeepEqual(v.Answers, beat.Answers), "answers: want %v got %v", beat.Answers, v.Answers)
	assert(t, v.RemainingSeconds == 57 && v.RemainingSeconds == beat.RemainingSeconds, "remaining: want %d got %d", beat.RemainingSeconds, v.RemainingSeconds)
	assert(t, v.CurrentIndex == 1, "index: want 1 got %d", v.CurrentIndex)
}

func TestResume_ElapsedPolicy(t *testing.T) {
	store := newFlakyStore()
	store.PutExam(twoQuestionExam())
	h := newHarnessWithStore(t, store, func(o *Options) { o.ResumePolicy = ResumeElapsed })
	ctx := testCtx(t)

	seed := func(remaining int, ago time.Duration) {
		err := store.SaveSession(ctx, &model.ExamSession{
			UserID: "u-1", ExamID: "exam-1", Answers: model.AnswerMap{"q1": 1},
			RemainingSeconds: remaining, LastHeartbeatAt: h.clock.Now().Add(-ago),
		})
		assert(t, err == nil, "seed: %v", err)
	}

	seed(50, 20*time.Second)
	s, err := h.engine.Resume(ctx, attempt())
	assert(t, err == nil, "resume: %v", err)
	assert(t, s.View().RemainingSeconds == 30, "expected 30s left, got %d", s.View().RemainingSeconds)
	assert(t, h.engine.Shutdown(ctx) == nil, "shutdown")

	expired := newHarnessWithStore(t, store, func(o *Options) { o.ResumePolicy = ResumeElapsed })
	seed(50, 2*time.Minute)
	s, err = expired.engine.Resume(ctx, attempt())
	assert(t, err == nil, "resume expired: %v", err)
	<-s.Done()
	res, ok := s.Result()
	assert(t, ok, "expired session should finalize on resume")
	assert(t, res.Score == 2 && res.Percentage == "50.00", "answers made before the deadline count: %+v", res)
}

// newElapsedHarness runs a one-hour exam under the elapsed policy.
func newElapsedHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, func(o *Options) { o.ResumePolicy = ResumeElapsed })
	def := twoQuestionExam()
	def.DurationMinutes = 60
	h.store.PutExam(def)
	return h
}

func TestElapsed_LoadedActorChargedOnReuse(t *testing.T) {
	h := newElapsedHarness(t)
	ctx := testCtx(t)
	a := attempt()

	s, err := h.engine.Open(ctx, a)
	assert(t, err == nil, "open: %v", err)
	assert(t, s.View().RemainingSeconds == 3600, "fresh attempt: %d", s.View().RemainingSeconds)

	h.clock.Advance(10 * time.Minute)
	again, err := h.engine.Open(ctx, a)
	assert(t, err == nil, "reopen: %v", err)
	assert(t, again == s, "reopen should reuse the loaded actor")
	assert(t, again.View().RemainingSeconds == 3000, "expected 3000s after 10m away, got %d", again.View().RemainingSeconds)

	h.clock.Advance(5 * time.Minute)
	v, err := h.engine.SetAnswer(ctx, a, "q1", 1)
	assert(t, err == nil, "answer: %v", err)
	assert(t, v.RemainingSeconds == 2700, "expected 2700s, got %d", v.RemainingSeconds)

	h.clock.Advance(time.Second)
	v, err = h.engine.Tick(ctx, a)
	assert(t, err == nil, "tick: %v", err)
	assert(t, v.RemainingSeconds == 2699, "an external tick pays for its own second, got %d", v.RemainingSeconds)
	v, err = h.engine.State(ctx, a)
	assert(t, err == nil, "state: %v", err)
	assert(t, v.RemainingSeconds == 2699, "ticked second must not be charged twice, got %d", v.RemainingSeconds)
}

func TestElapsed_UnloadKeepsIdleTime(t *testing.T) {
	h := newElapsedHarness(t)
	ctx := testCtx(t)
	a := attempt()

	_, err := h.engine.Open(ctx, a)
	assert(t, err == nil, "open: %v", err)

	h.clock.Advance(40 * time.Minute)
	assert(t, h.engine.Sweep(ctx) == 1, "idle actor should be unloaded")
	stored, err := h.store.LoadSession(ctx, "u-1", "exam-1")
	assert(t, err == nil, "load: %v", err)
	assert(t, stored.RemainingSeconds == 1200, "unload should persist the charged countdown, got %d", stored.RemainingSeconds)

	h.clock.Advance(time.Minute)
	s, err := h.engine.Open(ctx, a)
	assert(t, err == nil, "reopen: %v", err)
	assert(t, s.View().RemainingSeconds == 1140, "expected 1140s, got %d", s.View().RemainingSeconds)
}

func TestElapsed_DetachStartsAbsence(t *testing.T) {
	h := newElapsedHarness(t)
	ctx := testCtx(t)
	a := attempt()

	s, sub, err := h.engine.Attach(ctx, a)
	assert(t, err == nil, "attach: %v", err)

	// Attached time is counted by the ticker, not charged.
	h.clock.Advance(10 * time.Minute)
	_, err = h.engine.Open(ctx, a)
	assert(t, err == nil, "open while attached: %v", err)
	assert(t, s.View().RemainingSeconds == 3600, "attached time must not be charged, got %d", s.View().RemainingSeconds)

	sub.Close()
	eventually(t, func() bool { return s.View().Attached == 0 }, "expected no attached clients")

	h.clock.Advance(5 * time.Minute)
	again, err := h.engine.Open(ctx, a)
	assert(t, err == nil, "reopen: %v", err)
	assert(t, again.View().RemainingSeconds == 3300, "expected 3300s after 5m detached, got %d", again.View().RemainingSeconds)
}

func TestElapsed_ShutdownPersistsChargedTime(t *testing.T) {
	h := newElapsedHarness(t)
	ctx := testCtx(t)

	_, err := h.engine.Open(ctx, attempt())
	assert(t, err == nil, "open: %v", err)

	h.clock.Advance(20 * time.Minute)
	assert(t, h.engine.Shutdown(ctx) == nil, "shutdown")
	stored, err := h.store.LoadSession(ctx, "u-1", "exam-1")
	assert(t, err == nil, "load: %v", err)
	assert(t, stored.RemainingSeconds == 2400, "shutdown should persist the charged countdown, got %d", stored.RemainingSeconds)
	assert(t, stored.LastHeartbeatAt.Equal(h.clock.Now()), "flush stamp: %v", stored.LastHeartbeatAt)
}

func TestElapsed_AbsenceRunsOutTime(t *testing.T) {
	h := newElapsedHarness(t)
	ctx := testCtx(t)
	a := attempt()

	_, err := h.engine.Open(ctx, a)
	assert(t, err == nil, "open: %v", err)
	_, err = h.engine.SetAnswer(ctx, a, "q1", 1)
	assert(t, err == nil, "answer: %v", err)

	h.clock.Advance(61 * time.Minute)
	s, err := h.engine.Open(ctx, a)
	assert(t, err == nil, "reopen: %v", err)
	<-s.Done()
	res, ok := s.Result()
	assert(t, ok, "attempt should finalize once the absence uses up the time")
	assert(t, res.Score == 2 && res.Percentage == "50.00", "answers made in time count: %+v", res)
	assert(t, h.store.ResultCount() == 1 && h.store.SessionCount() == 0, "timeout should leave exactly one result")

	again, err := h.engine.Submit(ctx, a)
	assert(t, err == nil, "submit after timeout: %v", err)
	assert(t, again.Score == res.Score && again.SubmittedAt.Equal(res.SubmittedAt), "submit should return the stored result")
}

func TestResume_FreezePolicyKeepsTime(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	err := h.store.SaveSession(ctx, &model.ExamSession{
		UserID: "u-1", ExamID: "exam-1", Answers: model.AnswerMap{},
		RemainingSeconds: 42, LastHeartbeatAt: h.clock.Now().Add(-time.Hour),
	})
	assert(t, err == nil, "seed: %v", err)

	s, err := h.engine.Open(ctx, attempt())
	assert(t, err == nil, "open: %v", err)
	assert(t, s.View().RemainingSeconds == 42, "freeze must not subtract time, got %d", s.View().RemainingSeconds)
}

func TestResume_IgnoresPortalLock(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	a := attempt()

	_, err := h.engine.Open(ctx, a)
	assert(t, err == nil, "open: %v", err)
	assert(t, h.engine.Shutdown(ctx) == nil, "shutdown")

	locked := attempt()
	locked.Settings.ExamAvailability = false
	later := newHarnessWithStore(t, h.store)
	s, err := later.engine.Open(ctx, locked)
	assert(t, err == nil, "a lock must not evict an admitted attempt: %v", err)
	_, err = s.SetAnswer(ctx, "q1", 1)
	assert(t, err == nil, "answer under lock: %v", err)
}

func TestResume_CorruptSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	err := h.store.SaveSession(ctx, &model.ExamSession{
		UserID: "u-1", ExamID: "exam-1", Answers: model.AnswerMap{"q1": 9}, RemainingSeconds: 30,
	})
	assert(t, err == nil, "seed: %v", err)

	_, err = h.engine.Open(ctx, attempt())
	assert(t, errors.Is(err, ErrCorruptSession), "expected ErrCorruptSession, got %v", err)
	assert(t, h.store.SessionCount() == 1, "corrupt record is left for an operator")
}

func TestResume_OrphanSessionIsCleanedUp(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	err := h.store.SaveSession(ctx, &model.ExamSession{UserID: "u-1", ExamID: "exam-1", RemainingSeconds: 30})
	assert(t, err == nil, "seed session: %v", err)
	err = h.store.InsertResult(ctx, &model.ExamResult{UserID: "u-1", ExamID: "exam-1", Percentage: "100.00"})
	assert(t, err == nil, "seed result: %v", err)

	_, err = h.engine.Open(ctx, attempt())
	assert(t, errors.Is(err, ErrAlreadySubmitted), "expected ErrAlreadySubmitted, got %v", err)
	assert(t, h.store.SessionCount() == 0, "orphan session should be removed")
}

func TestFinalize_ConcurrentCallersGetSameResult(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	a := attempt()

	_, err := h.engine.Open(ctx, a)
	assert(t, err == nil, "open: %v", err)
	_, err = h.engine.SetAnswer(ctx, a, "q2", 0)
	assert(t, err == nil, "answer: %v", err)

	const callers = 10
	results := make([]*model.ExamResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.engine.Submit(ctx, a)
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert(t, reflect.DeepEqual(results[i], results[0]), "caller %d saw different content", i)
	}
	assert(t, h.store.ResultCount() == 1, "expected one result, got %d", h.store.ResultCount())
}

func TestFinalize_TwoOwnersRecordOnce(t *testing.T) {
	store := newFlakyStore()
	store.PutExam(twoQuestionExam())
	tabA := newHarnessWithStore(t, store)
	tabB := newHarnessWithStore(t, store)
	ctx := testCtx(t)
	a := attempt()

	sa, err := tabA.engine.Open(ctx, a)
	assert(t, err == nil, "open A: %v", err)
	sb, err := tabB.engine.Open(ctx, a)
	assert(t, err == nil, "open B: %v", err)
	_, _ = sa.SetAnswer(ctx, "q1", 1)

	resA, err := sa.Finalize(ctx, TriggerManual)
	assert(t, err == nil, "finalize A: %v", err)
	resB, err := sb.Finalize(ctx, TriggerManual)
	assert(t, err == nil, "finalize B must succeed with the stored result: %v", err)

	assert(t, reflect.DeepEqual(resA, resB), "owners saw different results")
	assert(t, resB.Score == 2, "B must receive A's graded result, got %d", resB.Score)
	assert(t, store.ResultCount() == 1, "expected one result")
}

func TestHeartbeat_RefusedAfterOtherOwnerFinalized(t *testing.T) {
	store := newFlakyStore()
	store.PutExam(twoQuestionExam())
	tabA := newHarnessWithStore(t, store)
	tabB := newHarnessWithStore(t, store)
	ctx := testCtx(t)
	a := attempt()

	sa, err := tabA.engine.Open(ctx, a)
	assert(t, err == nil, "open A: %v", err)
	sb, err := tabB.engine.Open(ctx, a)
	assert(t, err == nil, "open B: %v", err)

	resA, err := sa.Finalize(ctx, TriggerManual)
	assert(t, err == nil, "finalize A: %v", err)

	_, err = sb.Heartbeat(ctx)
	assert(t, errors.Is(err, ErrNotActive), "stale owner heartbeat: expected ErrNotActive, got %v", err)

	select {
	case <-sb.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("stale owner did not stop")
	}
	resB, ok := sb.Result()
	assert(t, ok && reflect.DeepEqual(resA, resB), "stale owner should adopt the stored result")
	assert(t, store.SessionCount() == 0, "heartbeat must not resurrect the session")
}

func TestHeartbeat_DegradedThenRecovers(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	s, err := h.engine.Open(ctx, attempt())
	assert(t, err == nil, "open: %v", err)
	_, _ = s.SetAnswer(ctx, "q1", 1)

	h.store.saveFailures.Store(1 << 20)
	_, err = s.Heartbeat(ctx)
	assert(t, errors.Is(err, ErrPersistence), "expected ErrPersistence, got %v", err)

	eventually(t, func() bool { return s.View().Saving == SavingDegraded }, "saving should report degraded")
	_, err = s.SetAnswer(ctx, "q2", 0)
	assert(t, err == nil, "a failed heartbeat must not block answering: %v", err)
	assert(t, s.View().State == model.SessionStateActive, "failed heartbeat must not change state")
	eventually(t, func() bool { return h.store.saves.Load() >= 3 }, "failed write should be retried")

	h.store.saveFailures.Store(0)
	eventually(t, func() bool { return s.View().Saving == SavingOK }, "saving should recover after retries")
	stored, err := h.store.LoadSession(ctx, "u-1", "exam-1")
	assert(t, err == nil, "load: %v", err)
	assert(t, stored.Answers["q1"] == 1, "retried write should land: %v", stored.Answers)
}

func TestSubmit_InsertFailureKeepsAttemptActive(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	a := attempt()

	_, err := h.engine.Open(ctx, a)
	assert(t, err == nil, "open: %v", err)
	_, _ = h.engine.SetAnswer(ctx, a, "q1", 1)

	h.store.insertFailures.Store(1)
	_, err = h.engine.Submit(ctx, a)
	assert(t, errors.Is(err, ErrPersistence), "expected ErrPersistence, got %v", err)

	v, err := h.engine.State(ctx, a)
	assert(t, err == nil, "state: %v", err)
	assert(t, v.State == model.SessionStateActive && v.Answers["q1"] == 1, "attempt should stay active: %+v", v)
	assert(t, h.store.SessionCount() == 1, "session record must survive a failed finalize")

	res, err := h.engine.Submit(ctx, a)
	assert(t, err == nil, "retry submit: %v", err)
	assert(t, res.Score == 2, "expected score 2, got %d", res.Score)
}

func TestAttach_DrivesCountdownToTimeout(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.TickInterval = time.Millisecond
		o.HeartbeatInterval = 5 * time.Millisecond
	})
	ctx := testCtx(t)

	_, sub, err := h.engine.Attach(ctx, attempt())
	assert(t, err == nil, "attach: %v", err)

	var (
		ticks     int
		finalized *model.ExamResult
	)
	for ev := range sub.Events() {
		switch ev.Type {
		case EventTick:
			ticks++
		case EventFinalized:
			finalized = ev.Result
		}
	}
	assert(t, finalized != nil, "stream should end with a finalized event")
	assert(t, finalized.Percentage == "0.00" && finalized.Grade.Grade == "F", "unexpected result %+v", finalized)
	assert(t, ticks > 0, "expected tick events")
	assert(t, h.store.ResultCount() == 1 && h.store.SessionCount() == 0, "timeout should leave exactly one result")
}

func TestDetach_FlushesSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	s, sub, err := h.engine.Attach(ctx, attempt())
	assert(t, err == nil, "attach: %v", err)
	assert(t, s.View().Attached == 1, "expected one attached client")
	_, err = s.SetAnswer(ctx, "q2", 3)
	assert(t, err == nil, "answer: %v", err)

	sub.Close()
	sub.Close()

	eventually(t, func() bool {
		stored, err := h.store.LoadSession(ctx, "u-1", "exam-1")
		return err == nil && stored.Answers["q2"] == 3
	}, "detach should persist the latest snapshot")
	eventually(t, func() bool { return s.View().Attached == 0 }, "expected no attached clients")
}

func TestSweep_UnloadsIdleActors(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SessionIdleTimeout = time.Minute })
	ctx := testCtx(t)
	a := attempt()

	s, err := h.engine.Open(ctx, a)
	assert(t, err == nil, "open: %v", err)
	_, _ = s.SetAnswer(ctx, "q1", 1)

	assert(t, h.engine.Sweep(ctx) == 0, "fresh actor must not be unloaded")

	h.clock.Advance(2 * time.Minute)
	assert(t, h.engine.Sweep(ctx) == 1, "idle actor should be unloaded")
	assert(t, h.engine.Active() == 0, "registry should be empty")

	stored, err := h.store.LoadSession(ctx, "u-1", "exam-1")
	assert(t, err == nil && stored.Answers["q1"] == 1, "unload should flush the snapshot: %v %v", stored, err)

	_, err = s.SetAnswer(ctx, "q2", 0)
	assert(t, err != nil, "a stale handle must not accept input")

	v, err := h.engine.SetAnswer(ctx, a, "q2", 0)
	assert(t, err == nil, "engine should reload the attempt: %v", err)
	assert(t, v.Answers["q1"] == 1 && v.Answers["q2"] == 0, "reloaded state: %v", v.Answers)
}

func TestShutdown_FlushesAndRefusesNewWork(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	a := attempt()

	_, err := h.engine.Open(ctx, a)
	assert(t, err == nil, "open: %v", err)
	_, _ = h.engine.Navigate(ctx, a, 1)

	assert(t, h.engine.Shutdown(ctx) == nil, "shutdown")
	stored, err := h.store.LoadSession(ctx, "u-1", "exam-1")
	assert(t, err == nil && stored.CurrentIndex == 1, "shutdown should flush: %v %v", stored, err)

	_, err = h.engine.Open(ctx, a)
	assert(t, errors.Is(err, ErrClosed), "expected ErrClosed, got %v", err)
}
