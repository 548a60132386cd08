package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"inboxflow/internal/dedup"
	"inboxflow/internal/domain"
	"inboxflow/internal/tenant"
)

// unroutedQueue holds messages whose destination has no usable prefix.
const unroutedQueue = "_unrouted"

// SubmitResult reports where a message went. TenantID is empty when the
// destination has no registered tenant; Queue is always the key the job was
// queued under.
type SubmitResult struct {
	JobID         string `json:"job_id,omitempty"`
	QueuePosition int    `json:"queue_position"`
	IsDuplicate   bool   `json:"is_duplicate"`
	TenantID      string `json:"tenant_id"`
	Queue         string `json:"queue"`
}

// Enqueuer accepts jobs without waiting on running ones.
type Enqueuer interface {
	Enqueue(job *domain.Job) (int, error)
}

// Service is the front of the pipeline: duplicate check, tenant routing and
// enqueue.
type Service struct {
	dedup      *dedup.Detector
	resolver   *tenant.Resolver
	queue      Enqueuer
	duplicates atomic.Int64
}

func NewService(detector *dedup.Detector, lookup tenant.Lookup, q Enqueuer) *Service {
	return &Service{dedup: detector, resolver: tenant.NewResolver(lookup), queue: q}
}

// Submit routes env to its tenant queue. A lookup error other than an
// unknown recipient is returned rather than guessed around, so a tenant's
// messages never land in two queues.
func (s *Service) Submit(ctx context.Context, env domain.Envelope) (SubmitResult, error) {
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = time.Now().UTC()
	}
	tenantID, queueKey, err := s.route(ctx, env.To)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("resolve tenant: %w", err)
	}
	fp := s.dedup.Fingerprint(env)

	if !s.dedup.Claim(fp) {
		s.duplicates.Add(1)
		log.Info().Str("tenant_id", tenantID).Str("fingerprint", fp).Str("from", env.From).Msg("duplicate message rejected")
		return SubmitResult{IsDuplicate: true, TenantID: tenantID, Queue: queueKey}, nil
	}

	job := &domain.Job{
		ID:          "job_" + uuid.NewString(),
		TenantID:    queueKey,
		Payload:     env,
		Fingerprint: fp,
	}
	pos, err := s.queue.Enqueue(job)
	if err != nil {
		s.dedup.Release(fp)
		return SubmitResult{}, err
	}
	return SubmitResult{JobID: job.ID, QueuePosition: pos, TenantID: tenantID, Queue: queueKey}, nil
}

// Duplicates counts submissions rejected as duplicates since start.
func (s *Service) Duplicates() int64 { return s.duplicates.Load() }

// route returns the tenant id and the queue key for a destination. A known
// tenant is always queued under its id. Unknown recipients are queued under
// their prefix and parked for review by the job body.
func (s *Service) route(ctx context.Context, to string) (tenantID, queueKey string, err error) {
	id, err := s.resolver.Resolve(ctx, to)
	switch {
	case err == nil:
		return id, id, nil
	case errors.Is(err, tenant.ErrUnknown):
		if p := tenant.Prefix(to); p != "" {
			return "", p, nil
		}
		return "", unroutedQueue, nil
	default:
		return "", "", err
	}
}
