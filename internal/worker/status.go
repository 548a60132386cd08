package worker

import "inboxflow/internal/queue"

// Status aggregates every live tenant queue. Totals count since process start
// and survive queue reclamation; per-tenant counts do not.
type Status struct {
	Tenants        int           `json:"tenants"`
	Pending        int           `json:"pending"`
	InFlight       int           `json:"in_flight"`
	ActiveLoops    int           `json:"active_loops"`
	TotalEnqueued  int64         `json:"total_enqueued"`
	TotalCompleted int64         `json:"total_completed"`
	TotalReviewed  int64         `json:"total_reviewed"`
	TotalFailed    int64         `json:"total_failed"`
	TotalRetries   int64         `json:"total_retries"`
	Queues         []queue.Stats `json:"queues"`
}

func (p *Processor) Status() Status {
	s := Status{
		TotalEnqueued:  p.enqueued.Load(),
		TotalCompleted: p.completed.Load(),
		TotalReviewed:  p.reviewed.Load(),
		TotalFailed:    p.failed.Load(),
		TotalRetries:   p.retries.Load(),
		Queues:         []queue.Stats{},
	}
	for _, q := range p.registry.Queues() {
		qs := q.Stats()
		s.Tenants++
		s.Pending += qs.Pending
		if qs.LockHeld {
			s.InFlight++
		}
		if qs.Processing {
			s.ActiveLoops++
		}
		s.Queues = append(s.Queues, qs)
	}
	return s
}

// StatusForTenant reports the tenant's queue. A tenant without a live queue
// gets zero counts and false.
func (p *Processor) StatusForTenant(id string) (queue.Stats, bool) {
	q, ok := p.registry.Get(id)
	if !ok {
		return queue.Stats{TenantID: id}, false
	}
	return q.Stats(), true
}
