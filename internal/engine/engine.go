// Package engine runs exam attempts: admission, the per-attempt state
// machine, countdown, heartbeat persistence and the exactly-once finalize.
//
// Each (user, exam) pair is owned by one Session actor held in the Engine's
// registry. Callers never touch session state directly; they send
// transitions to the actor, which applies them one at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/stemsi/exstem-cbt/internal/grading"
	"github.com/stemsi/exstem-cbt/internal/model"
)

// Key identifies an attempt.
type Key struct {
	UserID string
	ExamID string
}

func (k Key) String() string { return k.UserID + "/" + k.ExamID }

// Attempt is the caller context of an engine operation. Settings are read by
// the caller per request and passed in, never looked up by the engine.
type Attempt struct {
	Principal model.Principal
	ExamID    string
	Settings  model.PortalSettings
}

func (a Attempt) key() Key { return Key{UserID: a.Principal.UserID, ExamID: a.ExamID} }

// ResumePolicy decides what happens to time spent disconnected.
type ResumePolicy string

const (
	// ResumeFreeze restores the countdown exactly as last persisted.
	ResumeFreeze ResumePolicy = "freeze"
	// ResumeElapsed subtracts wall-clock time since the last heartbeat.
	ResumeElapsed ResumePolicy = "elapsed"
)

// Options tune the engine. Zero values get defaults.
type Options struct {
	TickInterval       time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatRetryBase time.Duration
	HeartbeatRetryMax  time.Duration
	SessionIdleTimeout time.Duration
	StoreTimeout       time.Duration
	ResumePolicy       ResumePolicy
	Bands              grading.Bands
	GatedRoles         []model.Role
	Registerer         prometheus.Registerer
	Now                func() time.Time
}

func (o *Options) withDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.HeartbeatRetryBase <= 0 {
		o.HeartbeatRetryBase = 500 * time.Millisecond
	}
	if o.HeartbeatRetryMax <= 0 {
		o.HeartbeatRetryMax = 10 * time.Second
	}
	if o.SessionIdleTimeout <= 0 {
		o.SessionIdleTimeout = 30 * time.Minute
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.ResumePolicy == "" {
		o.ResumePolicy = ResumeFreeze
	}
	if o.Bands == nil {
		o.Bands = grading.DefaultBands()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// ResultHook runs after a result is durably recorded for the first time.
type ResultHook func(ctx context.Context, res *model.ExamResult)

// Engine is the registry of live session actors.
type Engine struct {
	store   Store
	exams   ExamSource
	guard   *Guard
	opts    Options
	metrics *Metrics
	log     zerolog.Logger

	hooks   []ResultHook
	flights singleflight.Group

	mu       sync.Mutex
	sessions map[Key]*Session
	closed   bool
}

// New creates an Engine.
func New(store Store, exams ExamSource, opts Options, log zerolog.Logger) *Engine {
	opts.withDefaults()
	return &Engine{
		store:    store,
		exams:    exams,
		guard:    NewGuard(store, exams, opts.GatedRoles),
		opts:     opts,
		metrics:  NewMetrics(opts.Registerer),
		log:      log.With().Str("component", "session_engine").Logger(),
		sessions: make(map[Key]*Session),
	}
}

// OnFinalized registers a hook. Register hooks before serving traffic.
func (e *Engine) OnFinalized(h ResultHook) {
	e.hooks = append(e.hooks, h)
}

// Guard returns the attempt guard.
func (e *Engine) Guard() *Guard { return e.guard }

func (e *Engine) now() time.Time { return e.opts.Now() }

func (e *Engine) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.opts.StoreTimeout)
}

// ─── Admission & lifecycle ──────────────────────────────────────────

// Admit runs the attempt guard.
func (e *Engine) Admit(ctx context.Context, a Attempt) (*Admission, error) {
	adm, err := e.guard.Admit(ctx, a.Principal, a.ExamID, a.Settings)
	if err != nil {
		return nil, err
	}
	e.metrics.admission(adm)
	return adm, nil
}

// Open resumes the attempt if a session exists, otherwise admits and
// creates it. Concurrent opens of one pair share a single load.
func (e *Engine) Open(ctx context.Context, a Attempt) (*Session, error) {
	key := a.key()
	if s := e.lookup(key); s != nil {
		return e.reuse(ctx, s), nil
	}

	v, err, _ := e.flights.Do("open|"+key.String(), func() (any, error) {
		if s := e.lookup(key); s != nil {
			return e.reuse(ctx, s), nil
		}
		s, err := e.resumeFromStore(ctx, a)
		if !errors.Is(err, ErrNoSession) {
			return s, err
		}
		s, err = e.create(ctx, a)
		if errors.Is(err, ErrSessionExists) {
			// Another owner created it between our load and insert.
			return e.resumeFromStore(ctx, a)
		}
		return s, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Create starts a fresh attempt. It fails with ErrSessionExists when the
// pair already has a session.
func (e *Engine) Create(ctx context.Context, a Attempt) (*Session, error) {
	key := a.key()
	if s := e.lookup(key); s != nil {
		return nil, ErrSessionExists
	}
	v, err, _ := e.flights.Do("create|"+key.String(), func() (any, error) {
		return e.create(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Resume loads an existing attempt. It fails with ErrNoSession when nothing
// is persisted, or ErrAlreadySubmitted when the pair is finalized.
func (e *Engine) Resume(ctx context.Context, a Attempt) (*Session, error) {
	s, err := e.loaded(ctx, a)
	if err != nil {
		return nil, err
	}
	return e.reuse(ctx, s), nil
}

// loaded returns the actor for a, loading it from the store if needed.
// Time away is not charged.
func (e *Engine) loaded(ctx context.Context, a Attempt) (*Session, error) {
	key := a.key()
	if s := e.lookup(key); s != nil {
		return s, nil
	}
	v, err, _ := e.flights.Do("resume|"+key.String(), func() (any, error) {
		if s := e.lookup(key); s != nil {
			return s, nil
		}
		return e.resumeFromStore(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// reuse charges an in-memory actor for the time nobody was attached when
// the elapsed policy is on. A snapshot loaded from the store has been
// charged by resume already.
func (e *Engine) reuse(ctx context.Context, s *Session) *Session {
	if e.opts.ResumePolicy != ResumeElapsed {
		return s
	}
	if err := s.call(ctx, s.chargeAbsence); err != nil && !s.isStopped() {
		e.log.Warn().Err(err).Str("key", s.key.String()).Msg("Could not charge time away")
	}
	return s
}

func (e *Engine) create(ctx context.Context, a Attempt) (*Session, error) {
	adm, err := e.Admit(ctx, a)
	if err != nil {
		return nil, err
	}
	if !adm.Allowed {
		return nil, adm.Err()
	}
	def := adm.Definition
	if err := def.Validate(); err != nil {
		e.log.Error().Err(err).Str("exam_id", def.ID).Msg("Live exam definition is invalid")
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	snap := model.ExamSession{
		UserID:           a.Principal.UserID,
		ExamID:           a.ExamID,
		Answers:          model.AnswerMap{},
		RemainingSeconds: def.DurationSeconds(),
		CurrentIndex:     0,
		LastHeartbeatAt:  e.now().UTC(),
	}

	sctx, cancel := e.storeContext()
	defer cancel()
	err = e.store.CreateSession(sctx, &snap)
	switch {
	case errors.Is(err, model.ErrSessionExists):
		return nil, ErrSessionExists
	case errors.Is(err, model.ErrResultExists):
		return nil, ErrAlreadySubmitted
	case err != nil:
		return nil, fmt.Errorf("%w: create session: %v", ErrPersistence, err)
	}

	e.log.Info().
		Str("user_id", snap.UserID).
		Str("exam_id", snap.ExamID).
		Int("remaining_seconds", snap.RemainingSeconds).
		Msg("Attempt created")
	return e.spawn(a, def, snap)
}

func (e *Engine) resumeFromStore(ctx context.Context, a Attempt) (*Session, error) {
	snap, err := e.store.LoadSession(ctx, a.Principal.UserID, a.ExamID)
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		res, rerr := e.guard.checkResult(ctx, a.Principal.UserID, a.ExamID)
		if rerr != nil {
			return nil, rerr
		}
		if res != nil {
			return nil, ErrAlreadySubmitted
		}
		return nil, ErrNoSession
	case err != nil:
		return nil, fmt.Errorf("%w: load session: %v", ErrPersistence, err)
	}
	return e.resume(ctx, a, snap)
}

// resume restores a loaded snapshot. The portal lock is not consulted: it
// only blocks new attempts.
func (e *Engine) resume(ctx context.Context, a Attempt, snap *model.ExamSession) (*Session, error) {
	log := e.log.With().Str("user_id", snap.UserID).Str("exam_id", snap.ExamID).Logger()

	res, err := e.guard.checkResult(ctx, snap.UserID, snap.ExamID)
	if err != nil {
		return nil, err
	}
	if res != nil {
		// Finalize recorded the result but did not get to delete the session.
		if err := e.store.DeleteSession(ctx, snap.UserID, snap.ExamID); err != nil {
			log.Warn().Err(err).Msg("Failed to remove orphan session")
		}
		return nil, ErrAlreadySubmitted
	}

	def, err := e.exams.GetDefinition(ctx, snap.ExamID)
	if errors.Is(err, model.ErrExamNotFound) {
		return nil, ErrExamUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get exam: %v", ErrPersistence, err)
	}
	if err := def.Validate(); err != nil {
		log.Error().Err(err).Msg("Exam definition is invalid")
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := snap.CheckAgainst(def); err != nil {
		log.Error().Err(err).Msg("Persisted session is corrupt")
		return nil, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}
	if snap.Answers == nil {
		snap.Answers = model.AnswerMap{}
	}

	if e.opts.ResumePolicy == ResumeElapsed && !snap.LastHeartbeatAt.IsZero() {
		away := int(e.now().Sub(snap.LastHeartbeatAt) / time.Second)
		if away > 0 {
			snap.RemainingSeconds = max(snap.RemainingSeconds-away, 0)
			log.Debug().Int("away_seconds", away).Int("remaining_seconds", snap.RemainingSeconds).Msg("Elapsed time applied on resume")
		}
	}

	s, err := e.spawn(a, def, *snap)
	if err != nil {
		return nil, err
	}
	log.Info().Int("remaining_seconds", snap.RemainingSeconds).Msg("Attempt resumed")

	if s.View().RemainingSeconds == 0 {
		if _, err := s.Finalize(ctx, TriggerTimeout); err != nil {
			log.Warn().Err(err).Msg("Finalize of expired session failed on resume")
		}
	}
	return s, nil
}

// spawn registers and starts an actor. If the key is already owned, the
// existing actor wins.
func (e *Engine) spawn(a Attempt, def *model.ExamDefinition, snap model.ExamSession) (*Session, error) {
	key := Key{UserID: snap.UserID, ExamID: snap.ExamID}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if existing := e.sessions[key]; existing != nil && !existing.isStopped() {
		e.mu.Unlock()
		return existing, nil
	}
	s := newSession(e, a, def, snap)
	e.sessions[key] = s
	e.metrics.SessionsActive.Set(float64(len(e.sessions)))
	e.mu.Unlock()

	go s.run()
	return s, nil
}

func (e *Engine) lookup(key Key) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sessions[key]
	if s == nil || s.isStopped() {
		return nil
	}
	return s
}

// release drops s from the registry. Called from the actor goroutine.
func (e *Engine) release(s *Session) {
	e.mu.Lock()
	if e.sessions[s.key] == s {
		delete(e.sessions, s.key)
	}
	e.metrics.SessionsActive.Set(float64(len(e.sessions)))
	e.mu.Unlock()
}

func (e *Engine) completed(s *Session, res *model.ExamResult, recorded bool) {
	e.release(s)
	if !recorded {
		return
	}
	ctx, cancel := e.storeContext()
	defer cancel()
	for _, h := range e.hooks {
		h(ctx, res)
	}
}

// ─── Per-request operations ─────────────────────────────────────────

// withSession resolves the actor for a and runs fn on it, reloading once if
// the actor was unloaded in between.
func (e *Engine) withSession(ctx context.Context, a Attempt, fn func(*Session) error) error {
	return e.withSessionCharged(ctx, a, true, fn)
}

func (e *Engine) withSessionCharged(ctx context.Context, a Attempt, charge bool, fn func(*Session) error) error {
	for i := 0; i < 2; i++ {
		s, err := e.loaded(ctx, a)
		if err != nil {
			return err
		}
		if charge {
			s = e.reuse(ctx, s)
		}
		if err = fn(s); !errors.Is(err, errEvicted) {
			return err
		}
	}
	return ErrNotActive
}

// State returns the current view of an existing attempt.
func (e *Engine) State(ctx context.Context, a Attempt) (View, error) {
	var v View
	err := e.withSession(ctx, a, func(s *Session) error {
		v = s.View()
		return nil
	})
	return v, err
}

// SetAnswer records an answer on an existing attempt.
func (e *Engine) SetAnswer(ctx context.Context, a Attempt, questionID string, option int) (View, error) {
	var v View
	err := e.withSession(ctx, a, func(s *Session) error {
		var err error
		v, err = s.SetAnswer(ctx, questionID, option)
		return err
	})
	return v, err
}

// Navigate moves the question pointer of an existing attempt.
func (e *Engine) Navigate(ctx context.Context, a Attempt, index int) (View, error) {
	var v View
	err := e.withSession(ctx, a, func(s *Session) error {
		var err error
		v, err = s.Navigate(ctx, index)
		return err
	})
	return v, err
}

// Tick advances the countdown of an existing attempt by one second. An
// external clock driving Tick counts as presence, so no time away is charged.
func (e *Engine) Tick(ctx context.Context, a Attempt) (View, error) {
	var v View
	err := e.withSessionCharged(ctx, a, false, func(s *Session) error {
		var err error
		v, err = s.Tick(ctx)
		return err
	})
	return v, err
}

// Heartbeat persists an existing attempt and waits for the write.
func (e *Engine) Heartbeat(ctx context.Context, a Attempt) (View, error) {
	var v View
	err := e.withSession(ctx, a, func(s *Session) error {
		var err error
		v, err = s.Heartbeat(ctx)
		return err
	})
	return v, err
}

// Submit finalizes the attempt manually. A pair that is already finalized
// returns its stored result as a success.
func (e *Engine) Submit(ctx context.Context, a Attempt) (*model.ExamResult, error) {
	var res *model.ExamResult
	err := e.withSession(ctx, a, func(s *Session) error {
		var err error
		res, err = s.Finalize(ctx, TriggerManual)
		return err
	})
	if errors.Is(err, ErrAlreadySubmitted) {
		stored, lerr := e.store.LoadResult(ctx, a.Principal.UserID, a.ExamID)
		if lerr != nil {
			return nil, fmt.Errorf("%w: load result: %v", ErrPersistence, lerr)
		}
		return stored, nil
	}
	return res, err
}

// Attach opens the attempt and subscribes to its events.
func (e *Engine) Attach(ctx context.Context, a Attempt) (*Session, *Subscription, error) {
	for i := 0; i < 2; i++ {
		s, err := e.Open(ctx, a)
		if err != nil {
			return nil, nil, err
		}
		if res, ok := s.Result(); ok && res != nil {
			return nil, nil, ErrAlreadySubmitted
		}
		sub, err := s.Attach(ctx)
		if errors.Is(err, errEvicted) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return s, sub, nil
	}
	return nil, nil, ErrNotActive
}

// ─── Housekeeping ───────────────────────────────────────────────────

// Active returns the number of loaded actors.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *Engine) snapshotRegistry() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

// Sweep unloads actors that have no attached client and no activity for
// SessionIdleTimeout. It returns how many were unloaded.
func (e *Engine) Sweep(ctx context.Context) int {
	n := 0
	for _, s := range e.snapshotRegistry() {
		if err := s.call(ctx, func() error { return s.evict(false) }); err == nil {
			n++
		}
	}
	return n
}

// Run sweeps idle actors until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	interval := e.opts.SessionIdleTimeout / 2
	interval = min(max(interval, time.Second), time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info().Dur("interval", interval).Msg("Idle session sweeper started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.Sweep(ctx); n > 0 {
				e.log.Info().Int("unloaded", n).Msg("Idle sessions unloaded")
			}
		}
	}
}

// Shutdown flushes every loaded attempt with a final heartbeat and stops
// the actors. Attempts stay Active in the store.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	for _, s := range e.snapshotRegistry() {
		if err := s.call(ctx, func() error { return s.evict(true) }); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	e.log.Info().Msg("Session engine stopped")
	return nil
}
