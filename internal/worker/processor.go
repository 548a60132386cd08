package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"inboxflow/internal/domain"
	"inboxflow/internal/queue"
)

var ErrStopped = errors.New("processor stopped")

// Handler executes one job. A nil error completes the job with the returned
// outcome; any error is treated as transient and retried at the tail of the
// tenant queue until MaxRetries is exhausted.
type Handler interface {
	Handle(ctx context.Context, job *domain.Job) (domain.Outcome, error)
}

// Finalizer is implemented by handlers that keep per-job state outside the
// queue. Finalize is called once a job is Completed or Failed, before the
// job is counted in the tenant stats.
type Finalizer interface {
	Finalize(job domain.Job)
}

type Config struct {
	MaxRetries int
	// JobDelay is slept after every job of a tenant before its next one. It
	// paces the extraction collaborator and plays no part in mutual exclusion.
	JobDelay time.Duration
}

// Processor runs one loop per tenant with pending work. Loops for different
// tenants never share a lock.
type Processor struct {
	registry *queue.Registry
	handler  Handler
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// lifeMu orders loop starts against Shutdown: Enqueue holds it shared
	// while it may call wg.Add, Shutdown holds it exclusively to stop.
	lifeMu  sync.RWMutex
	stopped bool

	notifyMu sync.RWMutex
	notify   Notifier

	enqueued  atomic.Int64
	completed atomic.Int64
	reviewed  atomic.Int64
	failed    atomic.Int64
	retries   atomic.Int64
}

func NewProcessor(ctx context.Context, registry *queue.Registry, handler Handler, cfg Config) *Processor {
	ctx, cancel := context.WithCancel(ctx)
	return &Processor{
		registry: registry,
		handler:  handler,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetNotifier registers a callback for job events.
func (p *Processor) SetNotifier(n Notifier) {
	p.notifyMu.Lock()
	p.notify = n
	p.notifyMu.Unlock()
}

// Enqueue appends job to its tenant's queue and starts the tenant loop when
// it is idle. It never waits on a running job. The returned position is
// 1-based among the tenant's pending jobs.
func (p *Processor) Enqueue(job *domain.Job) (int, error) {
	p.lifeMu.RLock()
	defer p.lifeMu.RUnlock()
	if p.stopped {
		return 0, ErrStopped
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = p.registry.Now()
	}
	job.MaxRetries = p.cfg.MaxRetries
	for {
		q := p.registry.GetOrCreate(job.TenantID)
		pos, start, ok := q.Push(job, p.registry.Now())
		if !ok {
			continue
		}
		p.enqueued.Add(1)
		log.Debug().Str("tenant_id", job.TenantID).Str("job_id", job.ID).Int("position", pos).Msg("job enqueued")
		p.emit(EventEnqueued, job)
		if start {
			p.wg.Add(1)
			go p.run(q)
		}
		return pos, nil
	}
}

// Shutdown stops all loops after their current job and waits for them.
// Pending jobs are dropped; upstream re-delivery is the recovery path.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.lifeMu.Lock()
	p.stopped = true
	p.cancel()
	p.lifeMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) run(q *queue.TenantQueue) {
	defer p.wg.Done()
	for {
		if p.ctx.Err() != nil {
			q.Stop()
			return
		}
		job, ok := q.Next(p.registry.Now())
		if !ok {
			return
		}
		p.execute(q, job)
		if !p.pause() {
			q.Stop()
			return
		}
	}
}

func (p *Processor) pause() bool {
	if p.cfg.JobDelay <= 0 {
		return p.ctx.Err() == nil
	}
	t := time.NewTimer(p.cfg.JobDelay)
	defer t.Stop()
	select {
	case <-p.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *Processor) execute(q *queue.TenantQueue, job *domain.Job) {
	q.Begin(job, p.registry.Now())
	p.emit(EventStarted, job)
	log.Info().Str("tenant_id", job.TenantID).Str("job_id", job.ID).Int("retry", job.RetryCount).Msg("job started")

	outcome, err := p.handle(job)
	now := p.registry.Now()
	q.End(now)

	switch {
	case err == nil:
		job.Status = domain.JobCompleted
		job.Outcome = outcome
		job.FinishedAt = now
		p.finalize(job)
		q.RecordCompleted(job)
		p.completed.Add(1)
		if outcome == domain.OutcomeReviewed {
			p.reviewed.Add(1)
		}
		log.Info().Str("tenant_id", job.TenantID).Str("job_id", job.ID).Str("outcome", string(outcome)).Msg("job completed")
		p.emit(EventCompleted, job)
	case job.RetryCount < job.MaxRetries:
		job.RetryCount++
		job.LastError = err.Error()
		q.Requeue(job, now)
		p.retries.Add(1)
		log.Warn().Err(err).Str("tenant_id", job.TenantID).Str("job_id", job.ID).Int("retry", job.RetryCount).Int("max_retries", job.MaxRetries).Msg("job requeued")
		p.emit(EventRetrying, job)
	default:
		job.Status = domain.JobFailed
		job.LastError = err.Error()
		job.FinishedAt = now
		p.finalize(job)
		q.RecordFailed(job)
		p.failed.Add(1)
		log.Error().Err(err).Str("tenant_id", job.TenantID).Str("job_id", job.ID).Int("retries", job.RetryCount).Msg("job failed, operator attention needed")
		p.emit(EventFailed, job)
	}
}

func (p *Processor) handle(job *domain.Job) (outcome domain.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler.Handle(p.ctx, job)
}

func (p *Processor) finalize(job *domain.Job) {
	if f, ok := p.handler.(Finalizer); ok {
		f.Finalize(*job)
	}
}
