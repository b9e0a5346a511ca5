package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-cbt/internal/grading"
	"github.com/stemsi/exstem-cbt/internal/model"
)

// Trigger is what caused a finalize.
type Trigger string

const (
	TriggerManual  Trigger = "manual"
	TriggerTimeout Trigger = "timeout"
	// TriggerExternal marks a result adopted from another owner of the pair.
	TriggerExternal Trigger = "external"
)

// View is a read-only copy of a session's state.
type View struct {
	UserID           string             `json:"user_id"`
	ExamID           string             `json:"exam_id"`
	State            model.SessionState `json:"state"`
	Answers          model.AnswerMap    `json:"answers"`
	RemainingSeconds int                `json:"remaining_seconds"`
	CurrentIndex     int                `json:"current_index"`
	QuestionCount    int                `json:"question_count"`
	LastHeartbeatAt  time.Time          `json:"last_heartbeat_at"`
	Saving           SavingStatus       `json:"saving"`
	Attached         int                `json:"attached"`
}

// EventType identifies a pushed session event.
type EventType string

const (
	EventTick        EventType = "tick"
	EventPersistence EventType = "persistence"
	EventFinalized   EventType = "finalized"
)

// Event is pushed to every attached subscription.
type Event struct {
	Type   EventType
	View   View
	Result *model.ExamResult
}

const subscriptionBuffer = 16

// Subscription is one attached client. Its Events channel is closed on
// detach or when the session stops.
type Subscription struct {
	ID     string
	s      *Session
	events chan Event
	once   sync.Once
}

// Events returns the event stream.
func (sub *Subscription) Events() <-chan Event { return sub.events }

// Close detaches the client. Safe to call more than once.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		_ = sub.s.send(context.Background(), func() { sub.s.detach(sub) })
	})
}

// Session is the single owner of one (user, exam) attempt. Every transition
// runs on the session's own goroutine, so transitions never interleave.
type Session struct {
	key       Key
	def       *model.ExamDefinition
	principal model.Principal
	labels    model.PortalSettings
	engine    *Engine
	log       zerolog.Logger

	cmds    chan func()
	stopped chan struct{}

	// Owned by the actor goroutine.
	snap         model.ExamSession
	state        model.SessionState
	subs         map[*Subscription]struct{}
	ticker       *time.Ticker
	beat         *time.Ticker
	persist      *persister
	saving       SavingStatus
	lastActivity time.Time
	// Start of the current stretch with no client attached. Zero while
	// attached.
	absentSince time.Time

	// Written once before stopped is closed.
	result  *model.ExamResult
	exitErr error

	viewMu sync.RWMutex
	view   View
}

func newSession(e *Engine, a Attempt, def *model.ExamDefinition, snap model.ExamSession) *Session {
	key := Key{UserID: snap.UserID, ExamID: snap.ExamID}
	log := e.log.With().Str("user_id", key.UserID).Str("exam_id", key.ExamID).Logger()

	s := &Session{
		key:          key,
		def:          def,
		principal:    a.Principal,
		labels:       a.Settings,
		engine:       e,
		log:          log,
		cmds:         make(chan func()),
		stopped:      make(chan struct{}),
		snap:         snap,
		state:        model.SessionStateActive,
		subs:         make(map[*Subscription]struct{}),
		saving:       SavingOK,
		lastActivity: e.now(),
		absentSince:  e.now(),
	}
	s.persist = newPersister(e.store, &e.opts, e.metrics, log)
	s.publishView()
	return s
}

// Key returns the session key.
func (s *Session) Key() Key { return s.key }

// Paper returns the candidate-facing exam paper.
func (s *Session) Paper() model.ExamPaper { return s.def.Paper() }

// View returns the latest state without waiting on the actor.
func (s *Session) View() View {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	v := s.view
	v.Answers = v.Answers.Clone()
	return v
}

// Done is closed once the actor has stopped.
func (s *Session) Done() <-chan struct{} { return s.stopped }

// Result returns the stored result once the session has completed.
func (s *Session) Result() (*model.ExamResult, bool) {
	select {
	case <-s.stopped:
		return s.result, s.result != nil
	default:
		return nil, false
	}
}

func (s *Session) isStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

// ─── Public transitions ─────────────────────────────────────────────

// SetAnswer records optionIndex for questionID, replacing any earlier answer.
func (s *Session) SetAnswer(ctx context.Context, questionID string, optionIndex int) (View, error) {
	if err := s.call(ctx, func() error { return s.setAnswer(questionID, optionIndex) }); err != nil {
		return View{}, err
	}
	return s.View(), nil
}

// Navigate moves the current question pointer.
func (s *Session) Navigate(ctx context.Context, index int) (View, error) {
	if err := s.call(ctx, func() error { return s.navigate(index) }); err != nil {
		return View{}, err
	}
	return s.View(), nil
}

// Tick advances the countdown by one second. Reaching zero finalizes the
// attempt with TriggerTimeout.
func (s *Session) Tick(ctx context.Context) (View, error) {
	if err := s.call(ctx, s.tick); err != nil {
		return View{}, err
	}
	return s.View(), nil
}

// Heartbeat persists the current snapshot and waits for the write.
// A failed write is retried in the background and reported as ErrPersistence.
func (s *Session) Heartbeat(ctx context.Context) (View, error) {
	waiter := make(chan error, 1)
	if err := s.call(ctx, func() error { return s.heartbeat(waiter) }); err != nil {
		return View{}, err
	}

	select {
	case err := <-waiter:
		switch {
		case err == nil:
		case errors.Is(err, model.ErrResultExists), errors.Is(err, ErrNotActive):
			return s.View(), ErrNotActive
		default:
			return s.View(), fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	case <-ctx.Done():
		return s.View(), ctx.Err()
	}
	return s.View(), nil
}

// Finalize grades and records the attempt. Calling it again, concurrently or
// after completion, returns the same stored result.
func (s *Session) Finalize(ctx context.Context, trigger Trigger) (*model.ExamResult, error) {
	var res *model.ExamResult
	err := s.call(ctx, func() error {
		var err error
		res, err = s.finalize(trigger)
		return err
	})
	if err == nil {
		return res, nil
	}
	if r, ok := s.Result(); ok {
		return r, nil
	}
	return nil, err
}

// Attach subscribes a client. While at least one client is attached the
// session ticks and heartbeats on its own.
func (s *Session) Attach(ctx context.Context) (*Subscription, error) {
	sub := &Subscription{ID: uuid.NewString(), s: s, events: make(chan Event, subscriptionBuffer)}
	if err := s.call(ctx, func() error { return s.attach(sub) }); err != nil {
		return nil, err
	}
	return sub, nil
}

// ─── Actor plumbing ─────────────────────────────────────────────────

func (s *Session) run() {
	defer close(s.stopped)

	for s.running() {
		var tickC, beatC <-chan time.Time
		if s.ticker != nil {
			tickC = s.ticker.C
		}
		if s.beat != nil {
			beatC = s.beat.C
		}

		select {
		case fn := <-s.cmds:
			fn()
		case <-tickC:
			_ = s.tick()
		case <-beatC:
			_ = s.heartbeat(nil)
		case <-s.persist.notify:
			s.onPersistReport()
		}
	}
}

func (s *Session) running() bool {
	return s.state != model.SessionStateCompleted && s.exitErr == nil
}

// send hands fn to the actor.
func (s *Session) send(ctx context.Context, fn func()) error {
	select {
	case s.cmds <- fn:
		return nil
	case <-s.stopped:
		return s.stoppedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the actor and returns its error.
func (s *Session) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, func() { reply <- fn() }); err != nil {
		return err
	}
	// The actor always runs fn once it has accepted it.
	return <-reply
}

func (s *Session) stoppedErr() error {
	switch {
	case s.result != nil:
		return ErrNotActive
	case s.exitErr != nil:
		return s.exitErr
	default:
		return ErrNotActive
	}
}

func (s *Session) touch() {
	s.lastActivity = s.engine.now()
}

func (s *Session) publishView() {
	v := View{
		UserID:           s.key.UserID,
		ExamID:           s.key.ExamID,
		State:            s.state,
		Answers:          s.snap.Answers.Clone(),
		RemainingSeconds: s.snap.RemainingSeconds,
		CurrentIndex:     s.snap.CurrentIndex,
		QuestionCount:    len(s.def.Questions),
		LastHeartbeatAt:  s.snap.LastHeartbeatAt,
		Saving:           s.saving,
		Attached:         len(s.subs),
	}
	s.viewMu.Lock()
	s.view = v
	s.viewMu.Unlock()
}

func (s *Session) broadcast(t EventType, res *model.ExamResult) {
	ev := Event{Type: t, View: s.View(), Result: res}
	for sub := range s.subs {
		select {
		case sub.events <- ev:
			continue
		default:
		}
		if t == EventTick {
			s.log.Debug().Str("subscription", sub.ID).Msg("Subscriber slow, tick dropped")
			continue
		}
		// Make room: state events must reach the client.
		select {
		case <-sub.events:
		default:
		}
		sub.events <- ev
	}
}

func (s *Session) startTimers() {
	if s.ticker == nil {
		s.ticker = time.NewTicker(s.engine.opts.TickInterval)
	}
	if s.beat == nil {
		s.beat = time.NewTicker(s.engine.opts.HeartbeatInterval)
	}
}

func (s *Session) stopTimers() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	if s.beat != nil {
		s.beat.Stop()
		s.beat = nil
	}
}

func (s *Session) closeSubscriptions() {
	for sub := range s.subs {
		close(sub.events)
		delete(s.subs, sub)
	}
}

// ─── Transitions (actor goroutine only) ─────────────────────────────

func (s *Session) acceptingInput() bool {
	return s.state == model.SessionStateActive && s.snap.RemainingSeconds > 0
}

func (s *Session) setAnswer(questionID string, optionIndex int) error {
	if !s.acceptingInput() {
		return ErrNotActive
	}
	q, ok := s.def.Question(questionID)
	if !ok {
		s.log.Warn().Str("question_id", questionID).Msg("Answer for unknown question rejected")
		return ErrInvalidQuestion
	}
	if !q.ValidOption(optionIndex) {
		s.log.Warn().Str("question_id", questionID).Int("option", optionIndex).Msg("Answer option out of range rejected")
		return ErrInvalidOption
	}

	s.snap.Answers[questionID] = optionIndex
	s.touch()
	s.publishView()
	return nil
}

func (s *Session) navigate(index int) error {
	if !s.acceptingInput() {
		return ErrNotActive
	}
	if index < 0 || index >= len(s.def.Questions) {
		s.log.Warn().Int("index", index).Msg("Navigation out of range rejected")
		return ErrInvalidIndex
	}

	s.snap.CurrentIndex = index
	s.touch()
	s.publishView()
	return nil
}

func (s *Session) tick() error {
	if s.state != model.SessionStateActive {
		return ErrNotActive
	}
	if s.snap.RemainingSeconds > 0 {
		s.snap.RemainingSeconds--
	}
	if len(s.subs) == 0 && !s.absentSince.IsZero() {
		// An externally driven tick has already paid for this second.
		s.absentSince = s.absentSince.Add(time.Second)
	}
	s.touch()
	s.publishView()
	s.broadcast(EventTick, nil)

	if s.snap.RemainingSeconds == 0 {
		if _, err := s.finalize(TriggerTimeout); err != nil && s.running() {
			s.log.Warn().Err(err).Msg("Timeout finalize failed, retrying on next tick")
		}
	}
	return nil
}

func (s *Session) heartbeat(waiter chan error) error {
	if s.state != model.SessionStateActive {
		return ErrNotActive
	}
	s.snap.LastHeartbeatAt = s.engine.now().UTC()
	s.persist.submit(s.snap.Clone(), waiter)
	s.publishView()
	return nil
}

// chargeAbsence takes the time spent with no client attached off the
// countdown under ResumeElapsed. Reaching zero finalizes with TriggerTimeout.
func (s *Session) chargeAbsence() error {
	if s.engine.opts.ResumePolicy != ResumeElapsed || s.state != model.SessionStateActive {
		return nil
	}
	if len(s.subs) > 0 || s.absentSince.IsZero() {
		return nil
	}

	away := s.engine.now().Sub(s.absentSince) / time.Second
	if away > 0 {
		s.absentSince = s.absentSince.Add(away * time.Second)
		s.snap.RemainingSeconds = max(s.snap.RemainingSeconds-int(away), 0)
		s.publishView()
		s.log.Debug().
			Int("away_seconds", int(away)).
			Int("remaining_seconds", s.snap.RemainingSeconds).
			Msg("Time away charged")
	}

	if s.snap.RemainingSeconds == 0 {
		if _, err := s.finalize(TriggerTimeout); err != nil && s.running() {
			s.log.Warn().Err(err).Msg("Timeout finalize after absence failed")
			return err
		}
	}
	return nil
}

func (s *Session) attach(sub *Subscription) error {
	_ = s.chargeAbsence()
	if s.state != model.SessionStateActive {
		return ErrNotActive
	}
	s.subs[sub] = struct{}{}
	if len(s.subs) == 1 {
		s.absentSince = time.Time{}
		s.startTimers()
	}
	s.touch()
	s.publishView()
	s.log.Debug().Str("subscription", sub.ID).Int("attached", len(s.subs)).Msg("Client attached")
	return nil
}

func (s *Session) detach(sub *Subscription) {
	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	close(sub.events)

	if len(s.subs) == 0 {
		s.stopTimers()
		s.absentSince = s.engine.now()
		_ = s.heartbeat(nil)
	}
	s.touch()
	s.publishView()
	s.log.Debug().Str("subscription", sub.ID).Int("attached", len(s.subs)).Msg("Client detached")
}

func (s *Session) onPersistReport() {
	r := s.persist.latest()
	if r.conflict {
		s.adoptStoredResult()
		return
	}
	if r.status == s.saving {
		return
	}

	s.saving = r.status
	if r.status == SavingDegraded {
		s.log.Warn().Err(r.err).Msg("Session persistence degraded")
	} else {
		s.log.Info().Msg("Session persistence recovered")
	}
	s.publishView()
	s.broadcast(EventPersistence, nil)
}

// finalize runs the irreversible transition: stop timers and writer, grade,
// insert the result, then delete the session record.
func (s *Session) finalize(trigger Trigger) (*model.ExamResult, error) {
	if s.state != model.SessionStateActive {
		return nil, ErrNotActive
	}
	m := s.engine.metrics

	s.state = model.SessionStateFinalizing
	s.publishView()
	s.stopTimers()
	s.persist.stop(false)

	res, err := s.grade()
	if err != nil {
		s.log.Error().Err(err).Msg("Grading failed, attempt needs operator attention")
		m.Finalizations.WithLabelValues(string(trigger), "error").Inc()
		s.halt(fmt.Errorf("%w: %v", ErrInvalidDefinition, err), false)
		return nil, s.exitErr
	}

	ctx, cancel := s.engine.storeContext()
	defer cancel()

	err = s.engine.store.InsertResult(ctx, res)
	switch {
	case errors.Is(err, model.ErrResultExists):
		existing, lerr := s.engine.store.LoadResult(ctx, s.key.UserID, s.key.ExamID)
		if lerr != nil {
			s.log.Error().Err(lerr).Msg("Result exists but could not be loaded")
			m.Finalizations.WithLabelValues(string(trigger), "error").Inc()
			s.reactivate()
			return nil, fmt.Errorf("%w: load result: %v", ErrPersistence, lerr)
		}
		s.complete(existing, trigger, false)
		return existing, nil

	case err != nil:
		s.log.Error().Err(err).Str("trigger", string(trigger)).Msg("Failed to write result")
		m.Finalizations.WithLabelValues(string(trigger), "error").Inc()
		s.reactivate()
		return nil, fmt.Errorf("%w: insert result: %v", ErrPersistence, err)
	}

	if err := s.engine.store.DeleteSession(ctx, s.key.UserID, s.key.ExamID); err != nil {
		s.log.Error().Err(err).Msg("Result recorded but session record not deleted")
	}

	s.complete(res, trigger, true)
	return res, nil
}

func (s *Session) grade() (*model.ExamResult, error) {
	out, err := grading.Grade(s.def, s.snap.Answers, s.engine.opts.Bands)
	if err != nil {
		return nil, err
	}
	return &model.ExamResult{
		ExamID:            s.def.ID,
		ExamCode:          s.def.Code,
		ExamTitle:         s.def.Title,
		UserID:            s.key.UserID,
		UserName:          s.principal.Name,
		Matric:            s.principal.Matric,
		Score:             out.Score,
		TotalMarks:        out.TotalMarks,
		Percentage:        out.PercentageText,
		Grade:             out.Grade,
		AcademicSession:   s.labels.AcademicSession,
		Semester:          s.labels.Semester,
		SubmittedAt:       s.engine.now().UTC(),
		QuestionBreakdown: out.Breakdown,
	}, nil
}

// reactivate undoes a failed finalize. The snapshot is untouched.
func (s *Session) reactivate() {
	s.state = model.SessionStateActive
	s.persist = newPersister(s.engine.store, &s.engine.opts, s.engine.metrics, s.log)
	if len(s.subs) > 0 {
		s.startTimers()
	}
	s.publishView()
}

// adoptStoredResult handles a snapshot write refused because the pair was
// already finalized elsewhere.
func (s *Session) adoptStoredResult() {
	if s.state != model.SessionStateActive {
		return
	}
	s.stopTimers()
	s.persist.stop(false)

	ctx, cancel := s.engine.storeContext()
	defer cancel()

	res, err := s.engine.store.LoadResult(ctx, s.key.UserID, s.key.ExamID)
	if err != nil {
		s.log.Error().Err(err).Msg("Pair finalized elsewhere but result could not be loaded")
		s.halt(fmt.Errorf("%w: load result: %v", ErrPersistence, err), false)
		return
	}
	s.log.Warn().Msg("Pair finalized by another owner, adopting stored result")
	s.complete(res, TriggerExternal, false)
}

func (s *Session) complete(res *model.ExamResult, trigger Trigger, recorded bool) {
	outcome := "duplicate"
	if recorded {
		outcome = "recorded"
	}
	s.engine.metrics.Finalizations.WithLabelValues(string(trigger), outcome).Inc()

	s.state = model.SessionStateCompleted
	s.result = res
	s.publishView()
	s.broadcast(EventFinalized, res)
	s.closeSubscriptions()

	s.log.Info().
		Str("trigger", string(trigger)).
		Str("outcome", outcome).
		Int("score", res.Score).
		Str("percentage", res.Percentage).
		Msg("Attempt finalized")

	s.engine.completed(s, res, recorded)
}

// halt stops the actor without a result. With drain the pending snapshot is
// written once before the writer exits.
func (s *Session) halt(err error, drain bool) {
	s.exitErr = err
	s.stopTimers()
	s.persist.stop(drain)
	s.closeSubscriptions()
	s.publishView()
	s.engine.release(s)
}

// evict unloads an idle session after flushing a final heartbeat.
func (s *Session) evict(force bool) error {
	if !force {
		if len(s.subs) > 0 || s.engine.now().Sub(s.lastActivity) < s.engine.opts.SessionIdleTimeout {
			return errNotIdle
		}
	}
	// Charge the idle stretch before the flush stamps LastHeartbeatAt, or
	// the next resume would only see the time since unloading.
	_ = s.chargeAbsence()
	if !s.running() {
		// Finalized or halted while charging.
		return nil
	}
	if s.state == model.SessionStateActive {
		_ = s.heartbeat(nil)
	}
	s.log.Debug().Bool("forced", force).Msg("Session unloaded")
	s.halt(errEvicted, true)
	return nil
}

var errNotIdle = errors.New("session not idle")
