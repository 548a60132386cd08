package worker

import (
	"time"

	"inboxflow/internal/domain"
)

type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventRetrying  EventType = "retrying"
	EventFailed    EventType = "failed"
)

// Event describes one job state transition.
type Event struct {
	Type       EventType        `json:"type"`
	JobID      string           `json:"job_id"`
	TenantID   string           `json:"tenant_id"`
	Status     domain.JobStatus `json:"status"`
	Outcome    domain.Outcome   `json:"outcome,omitempty"`
	RetryCount int              `json:"retry_count"`
	Error      string           `json:"error,omitempty"`
	At         time.Time        `json:"at"`
}

// Notifier receives job events. It is called on the tenant loop and must not
// block.
type Notifier func(Event)

func (p *Processor) emit(t EventType, job *domain.Job) {
	p.notifyMu.RLock()
	n := p.notify
	p.notifyMu.RUnlock()
	if n == nil {
		return
	}
	ev := Event{
		Type:       t,
		JobID:      job.ID,
		TenantID:   job.TenantID,
		Status:     job.Status,
		Outcome:    job.Outcome,
		RetryCount: job.RetryCount,
		At:         p.registry.Now(),
	}
	if t == EventRetrying || t == EventFailed {
		ev.Error = job.LastError
	}
	n(ev)
}
