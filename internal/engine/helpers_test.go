package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/repository"
)

var errStoreDown = errors.New("store down")

// flakyStore fails the next N calls of selected operations.
type flakyStore struct {
	*repository.MemoryStore
	saveFailures   atomic.Int32
	insertFailures atomic.Int32
	saves          atomic.Int32
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: repository.NewMemoryStore()}
}

func (f *flakyStore) SaveSession(ctx context.Context, s *model.ExamSession) error {
	f.saves.Add(1)
	if f.saveFailures.Load() > 0 {
		f.saveFailures.Add(-1)
		return errStoreDown
	}
	return f.MemoryStore.SaveSession(ctx, s)
}

func (f *flakyStore) InsertResult(ctx context.Context, r *model.ExamResult) error {
	if f.insertFailures.Load() > 0 {
		f.insertFailures.Add(-1)
		return errStoreDown
	}
	return f.MemoryStore.InsertResult(ctx, r)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func twoQuestionExam() *model.ExamDefinition {
	return &model.ExamDefinition{
		ID:              "exam-1",
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

func student() model.Principal {
	return model.Principal{UserID: "u-1", Name: "Ada Obi", Matric: "CSC/2020/001", Role: model.RoleStudent}
}

func openPortal() model.PortalSettings {
	return model.PortalSettings{ExamAvailability: true, AcademicSession: "2023/2024", Semester: "Second Semester"}
}

func attempt() Attempt {
	return Attempt{Principal: student(), ExamID: "exam-1", Settings: openPortal()}
}

type harness struct {
	store  *flakyStore
	clock  *fakeClock
	engine *Engine
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	store := newFlakyStore()
	store.PutExam(twoQuestionExam())
	return newHarnessWithStore(t, store, mutate...)
}

func newHarnessWithStore(t *testing.T, store *flakyStore, mutate ...func(*Options)) *harness {
	t.Helper()
	clock := newFakeClock()
	opts := Options{
		TickInterval:       time.Hour,
		HeartbeatInterval:  time.Hour,
		HeartbeatRetryBase: 5 * time.Millisecond,
		HeartbeatRetryMax:  20 * time.Millisecond,
		StoreTimeout:       time.Second,
		Registerer:         prometheus.NewRegistry(),
		Now:                clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	e := New(store, store, opts, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return &harness{store: store, clock: clock, engine: e}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}
