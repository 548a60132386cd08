package queue

import (
	"sync"
	"time"

	"inboxflow/internal/domain"
)

const maxRecentFailures = 20

// FailedJob is what remains of a job after it exhausted its retries.
type FailedJob struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	From        string    `json:"from"`
	Subject     string    `json:"subject"`
	RetryCount  int       `json:"retry_count"`
	LastError   string    `json:"last_error"`
	FailedAt    time.Time `json:"failed_at"`
}

// Stats is a point-in-time view of one tenant queue.
type Stats struct {
	TenantID        string      `json:"tenant_id"`
	Pending         int         `json:"pending"`
	Processing      bool        `json:"processing"`
	LockHeld        bool        `json:"lock_held"`
	CurrentJobID    string      `json:"current_job_id,omitempty"`
	Completed       int         `json:"completed"`
	Reviewed        int         `json:"reviewed"`
	Failed          int         `json:"failed"`
	Retries         int         `json:"retries"`
	LastProcessedAt *time.Time  `json:"last_processed_at,omitempty"`
	LastActivityAt  time.Time   `json:"last_activity_at"`
	RecentFailures  []FailedJob `json:"recent_failures,omitempty"`
}

// TenantQueue is the FIFO of pending jobs for one tenant together with the
// lock held while one of its jobs executes. Only the tenant's processing
// loop takes exec; mu guards the bookkeeping and is never held across a job.
type TenantQueue struct {
	id   string
	exec sync.Mutex

	mu             sync.Mutex
	jobs           []*domain.Job
	processing     bool
	retired        bool
	current        *domain.Job
	lastActivity   time.Time
	lastProcessed  time.Time
	completed      int
	reviewed       int
	failed         int
	retries        int
	recentFailures []FailedJob
}

func newTenantQueue(id string, now time.Time) *TenantQueue {
	return &TenantQueue{id: id, lastActivity: now}
}

func (q *TenantQueue) ID() string { return q.id }

// Push appends job to the tail. It reports the job's 1-based position among
// pending jobs and whether the caller must start a processing loop. ok is
// false when the queue was reaped in the meantime; the caller should fetch a
// fresh queue from the registry.
func (q *TenantQueue) Push(job *domain.Job, now time.Time) (pos int, start bool, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.retired {
		return 0, false, false
	}
	job.Status = domain.JobPending
	q.jobs = append(q.jobs, job)
	q.lastActivity = now
	if !q.processing {
		q.processing = true
		start = true
	}
	return len(q.jobs), start, true
}

// Requeue puts a job that failed an attempt back at the tail.
func (q *TenantQueue) Requeue(job *domain.Job, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.Status = domain.JobPending
	q.jobs = append(q.jobs, job)
	q.retries++
	q.lastActivity = now
}

// Next pops the head job. When the queue is empty it clears the processing
// flag in the same critical section, so a concurrent Push starts a new loop.
func (q *TenantQueue) Next(now time.Time) (*domain.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		q.processing = false
		return nil, false
	}
	job := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	q.lastActivity = now
	return job, true
}

// Stop marks the processing loop as gone without draining pending jobs.
func (q *TenantQueue) Stop() {
	q.mu.Lock()
	q.processing = false
	q.mu.Unlock()
}

// Begin takes the tenant lock and marks job as executing.
func (q *TenantQueue) Begin(job *domain.Job, now time.Time) {
	q.exec.Lock()
	q.mu.Lock()
	q.current = job
	job.Status = domain.JobProcessing
	job.StartedAt = now
	q.lastActivity = now
	q.mu.Unlock()
}

// End releases the tenant lock taken by Begin.
func (q *TenantQueue) End(now time.Time) {
	q.mu.Lock()
	q.current = nil
	q.lastProcessed = now
	q.lastActivity = now
	q.mu.Unlock()
	q.exec.Unlock()
}

func (q *TenantQueue) RecordCompleted(job *domain.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed++
	if job.Outcome == domain.OutcomeReviewed {
		q.reviewed++
	}
}

func (q *TenantQueue) RecordFailed(job *domain.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed++
	q.recentFailures = append(q.recentFailures, FailedJob{
		ID:          job.ID,
		Fingerprint: job.Fingerprint,
		From:        job.Payload.From,
		Subject:     job.Payload.Subject,
		RetryCount:  job.RetryCount,
		LastError:   job.LastError,
		FailedAt:    job.FinishedAt,
	})
	if n := len(q.recentFailures); n > maxRecentFailures {
		q.recentFailures = append([]FailedJob(nil), q.recentFailures[n-maxRecentFailures:]...)
	}
}

func (q *TenantQueue) touch(now time.Time) {
	q.mu.Lock()
	q.lastActivity = now
	q.mu.Unlock()
}

// retireIfIdle marks the queue retired when it has no loop, no pending jobs
// and no activity for longer than idle.
func (q *TenantQueue) retireIfIdle(now time.Time, idle time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.processing || len(q.jobs) > 0 || now.Sub(q.lastActivity) <= idle {
		return false
	}
	q.retired = true
	return true
}

func (q *TenantQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		TenantID:       q.id,
		Pending:        len(q.jobs),
		Processing:     q.processing,
		LockHeld:       q.current != nil,
		Completed:      q.completed,
		Reviewed:       q.reviewed,
		Failed:         q.failed,
		Retries:        q.retries,
		LastActivityAt: q.lastActivity,
	}
	if q.current != nil {
		s.CurrentJobID = q.current.ID
	}
	if !q.lastProcessed.IsZero() {
		t := q.lastProcessed
		s.LastProcessedAt = &t
	}
	if len(q.recentFailures) > 0 {
		s.RecentFailures = append([]FailedJob(nil), q.recentFailures...)
	}
	return s
}
