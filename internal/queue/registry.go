package queue

import (
	"sort"
	"sync"
	"time"
)

// Registry owns the per-tenant queues. Its lock is held only while a queue is
// looked up, created or removed, never while a job runs.
type Registry struct {
	mu      sync.Mutex
	queues  map[string]*TenantQueue
	idleTTL time.Duration
	now     func() time.Time
}

func NewRegistry(idleTTL time.Duration) *Registry {
	return &Registry{
		queues:  make(map[string]*TenantQueue),
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

// SetClock overrides the time source used for activity and idle checks.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func (r *Registry) Now() time.Time { return r.now() }

// GetOrCreate returns the queue for tenantID, creating it on first use.
func (r *Registry) GetOrCreate(tenantID string) *TenantQueue {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[tenantID]
	if !ok {
		q = newTenantQueue(tenantID, now)
		r.queues[tenantID] = q
		return q
	}
	q.touch(now)
	return q
}

func (r *Registry) Get(tenantID string) (*TenantQueue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[tenantID]
	return q, ok
}

// Sweep removes queues that are idle and empty beyond the idle threshold and
// returns the ids it removed.
func (r *Registry) Sweep() []string {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, q := range r.queues {
		if q.retireIfIdle(now, r.idleTTL) {
			delete(r.queues, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

// Queues returns the current queues ordered by tenant id.
func (r *Registry) Queues() []*TenantQueue {
	r.mu.Lock()
	out := make([]*TenantQueue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
