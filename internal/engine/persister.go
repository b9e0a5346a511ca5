package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-cbt/internal/model"
)

// SavingStatus is the persistence health exposed to the candidate.
type SavingStatus string

const (
	SavingOK       SavingStatus = "ok"
	SavingDegraded SavingStatus = "degraded"
)

type persistJob struct {
	snap    model.ExamSession
	waiters []chan error
}

// persistReport is what the writer tells its session after each write.
type persistReport struct {
	status   SavingStatus
	err      error
	conflict bool
}

// persister writes one session's snapshots in the background. Submissions
// coalesce: only the latest pending snapshot is written. Failed writes are
// retried with exponential backoff until a newer snapshot replaces them or
// the persister is stopped.
type persister struct {
	store     SessionStore
	timeout   time.Duration
	retryBase time.Duration
	retryMax  time.Duration
	metrics   *Metrics
	log       zerolog.Logger

	mu      sync.Mutex
	pending *persistJob
	report  persistReport
	drain   bool

	wake   chan struct{}
	notify chan struct{}
	quit   chan struct{}
	done   chan struct{}
}

func newPersister(store SessionStore, opts *Options, metrics *Metrics, log zerolog.Logger) *persister {
	p := &persister{
		store:     store,
		timeout:   opts.StoreTimeout,
		retryBase: opts.HeartbeatRetryBase,
		retryMax:  opts.HeartbeatRetryMax,
		metrics:   metrics,
		log:       log,
		report:    persistReport{status: SavingOK},
		wake:      make(chan struct{}, 1),
		notify:    make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go p.loop()
	return p
}

// submit queues snap, replacing any snapshot not yet written. When waiter is
// non-nil it receives the outcome of the first write attempt covering snap.
func (p *persister) submit(snap model.ExamSession, waiter chan error) {
	p.mu.Lock()
	job := &persistJob{snap: snap}
	if p.pending != nil {
		job.waiters = p.pending.waiters
	}
	if waiter != nil {
		job.waiters = append(job.waiters, waiter)
	}
	p.pending = job
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// stop ends the writer and waits for an in-flight write to return. With
// drain, a pending snapshot gets one final write attempt first; without it,
// pending snapshots are dropped and their waiters told ErrNotActive.
func (p *persister) stop(drain bool) {
	p.mu.Lock()
	select {
	case <-p.quit:
		p.mu.Unlock()
		<-p.done
		return
	default:
	}
	p.drain = drain
	close(p.quit)
	p.mu.Unlock()
	<-p.done
}

// latest returns the most recent write report.
func (p *persister) latest() persistReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.report
}

func (p *persister) take() *persistJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	job := p.pending
	p.pending = nil
	return job
}

func (p *persister) hasWaiters() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending != nil && len(p.pending.waiters) > 0
}

// requeue puts a failed snapshot back unless something newer arrived.
func (p *persister) requeue(snap model.ExamSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		p.pending = &persistJob{snap: snap}
	}
}

func (p *persister) loop() {
	defer close(p.done)

	var (
		failures int
		backoff  *time.Timer
	)
	defer func() {
		if backoff != nil {
			backoff.Stop()
		}
	}()

	for {
		select {
		case <-p.quit:
			p.finish()
			return
		default:
		}

		var retry <-chan time.Time
		if backoff != nil {
			retry = backoff.C
		}

		select {
		case <-p.quit:
			p.finish()
			return
		case <-p.wake:
			if backoff != nil && !p.hasWaiters() {
				continue
			}
		case <-retry:
		}
		if backoff != nil {
			backoff.Stop()
			backoff = nil
		}

		job := p.take()
		if job == nil {
			continue
		}

		err := p.write(job)
		switch {
		case err == nil:
			failures = 0
			p.publish(persistReport{status: SavingOK})
		case errors.Is(err, model.ErrResultExists):
			// Another owner finalized this pair. Nothing more to write.
			p.publish(persistReport{status: SavingOK, conflict: true, err: err})
			<-p.quit
			p.finish()
			return
		default:
			failures++
			p.publish(persistReport{status: SavingDegraded, err: err})
			p.requeue(job.snap)
			backoff = time.NewTimer(p.backoff(failures))
		}
	}
}

// finish runs on quit: a draining stop writes the pending snapshot once.
func (p *persister) finish() {
	p.mu.Lock()
	drain := p.drain
	p.mu.Unlock()

	job := p.take()
	if job == nil {
		return
	}
	if drain {
		if err := p.write(job); err != nil {
			p.publish(persistReport{status: SavingDegraded, err: err, conflict: errors.Is(err, model.ErrResultExists)})
		}
		return
	}
	for _, w := range job.waiters {
		w <- ErrNotActive
	}
}

func (p *persister) write(job *persistJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	snap := job.snap
	err := p.store.SaveSession(ctx, &snap)
	switch {
	case err == nil:
		p.metrics.HeartbeatWrites.WithLabelValues("ok").Inc()
	case errors.Is(err, model.ErrResultExists):
		p.metrics.HeartbeatWrites.WithLabelValues("conflict").Inc()
	default:
		p.metrics.HeartbeatWrites.WithLabelValues("error").Inc()
		p.log.Error().Err(err).Msg("Session snapshot write failed")
	}

	for _, w := range job.waiters {
		w <- err
	}
	return err
}

func (p *persister) publish(r persistReport) {
	p.mu.Lock()
	p.report = r
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *persister) backoff(failures int) time.Duration {
	d := p.retryBase
	for i := 1; i < failures && d < p.retryMax; i++ {
		d *= 2
	}
	if d > p.retryMax {
		d = p.retryMax
	}
	return d
}
