package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"inboxflow/internal/dedup"
	"inboxflow/internal/domain"
	"inboxflow/internal/extract"
	"inboxflow/internal/tenant"
)

// Extractor turns message text into candidate booking fields. Errors wrapping
// domain.ErrUnavailable or a context deadline are treated as transient.
type Extractor interface {
	Extract(ctx context.Context, body, sender, tenantID string) (domain.ExtractedFields, error)
}

// Store is the persistence side of the job body.
type Store interface {
	tenant.Lookup
	CreateBooking(ctx context.Context, tenantID, idempotencyKey string, f domain.ExtractedFields) (domain.Booking, error)
	CreateReviewRecord(ctx context.Context, tenantID, reason string, payload domain.Envelope, fields *domain.ExtractedFields) (string, error)
}

// Viable is the minimum a booking needs: an event date, or a recognized
// listing source that carries the rest of the details.
func Viable(f domain.ExtractedFields) bool {
	return f.EventDate != nil || extract.IsKnownSource(f.Source)
}

type Options struct {
	ExtractTimeout time.Duration
	PersistTimeout time.Duration
	CreateAttempts int
	CreateBackoff  time.Duration
	Validate       func(domain.ExtractedFields) bool
}

// Handler is the job body run under the tenant lock.
type Handler struct {
	store     Store
	extractor Extractor
	resolver  *tenant.Resolver
	dedup     *dedup.Detector
	opts      Options
}

func NewHandler(store Store, extractor Extractor, detector *dedup.Detector, opts Options) *Handler {
	if opts.Validate == nil {
		opts.Validate = Viable
	}
	if opts.CreateAttempts < 1 {
		opts.CreateAttempts = 1
	}
	return &Handler{
		store:     store,
		extractor: extractor,
		resolver:  tenant.NewResolver(store),
		dedup:     detector,
		opts:      opts,
	}
}

func (h *Handler) Handle(ctx context.Context, job *domain.Job) (domain.Outcome, error) {
	env := job.Payload
	tenantID, err := h.confirmTenant(ctx, job)
	if err != nil {
		return "", fmt.Errorf("resolve tenant: %w", err)
	}

	if strings.TrimSpace(env.From) == "" || strings.TrimSpace(env.Body) == "" {
		return h.review(ctx, job, tenantID, domain.ReasonEmptyMessage, nil)
	}
	if tenantID == "" {
		return h.review(ctx, job, "", domain.ReasonUnknownRecipient, nil)
	}

	fields := job.Extracted
	if fields == nil {
		ectx, cancel := context.WithTimeout(ctx, h.opts.ExtractTimeout)
		f, err := h.extractor.Extract(ectx, messageText(env), env.From, tenantID)
		cancel()
		if err != nil {
			if transient(err) {
				return "", fmt.Errorf("extract: %w", err)
			}
			log.Warn().Err(err).Str("tenant_id", tenantID).Str("job_id", job.ID).Msg("extraction failed")
			return h.review(ctx, job, tenantID, domain.ReasonExtractionFailed, nil)
		}
		job.Extracted = &f
		fields = &f
	}

	if !h.opts.Validate(*fields) {
		return h.review(ctx, job, tenantID, domain.ReasonIncompleteExtraction, fields)
	}

	b, err := h.createBooking(ctx, tenantID, job.ID, *fields)
	if err != nil {
		return "", fmt.Errorf("create booking: %w", err)
	}
	log.Info().Str("tenant_id", tenantID).Str("job_id", job.ID).Str("booking_id", b.ID).Msg("booking created")
	return domain.OutcomeBooked, nil
}

// Finalize turns the job's dedup claim into a processed record on completion
// and drops it on failure.
func (h *Handler) Finalize(job domain.Job) {
	if job.Fingerprint == "" {
		return
	}
	switch job.Status {
	case domain.JobCompleted:
		h.dedup.MarkProcessed(job.Fingerprint, h.dedup.Now())
	case domain.JobFailed:
		h.dedup.Release(job.Fingerprint)
	}
}

// confirmTenant resolves the destination again and returns the tenant id only
// when the job was queued under that tenant's key, so its work runs under
// the tenant's lock. It returns "" for an unknown recipient, including a
// tenant registered after the message was queued under its bare prefix.
func (h *Handler) confirmTenant(ctx context.Context, job *domain.Job) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, h.opts.PersistTimeout)
	defer cancel()
	id, err := h.resolver.Resolve(rctx, job.Payload.To)
	if errors.Is(err, tenant.ErrUnknown) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if id != job.TenantID {
		log.Warn().Str("tenant_id", id).Str("queue", job.TenantID).Str("job_id", job.ID).Msg("tenant registered after message was queued")
		return "", nil
	}
	return id, nil
}

func (h *Handler) createBooking(ctx context.Context, tenantID, key string, f domain.ExtractedFields) (domain.Booking, error) {
	var b domain.Booking
	err := retry(ctx, h.opts.CreateAttempts, h.opts.CreateBackoff, func(attempt int) error {
		pctx, cancel := context.WithTimeout(ctx, h.opts.PersistTimeout)
		defer cancel()
		var err error
		b, err = h.store.CreateBooking(pctx, tenantID, key, f)
		if err != nil {
			log.Warn().Err(err).Str("tenant_id", tenantID).Str("job_id", key).Int("attempt", attempt).Msg("create booking attempt failed")
		}
		return err
	})
	return b, err
}

func (h *Handler) review(ctx context.Context, job *domain.Job, tenantID, reason string, fields *domain.ExtractedFields) (domain.Outcome, error) {
	var id string
	err := retry(ctx, h.opts.CreateAttempts, h.opts.CreateBackoff, func(int) error {
		pctx, cancel := context.WithTimeout(ctx, h.opts.PersistTimeout)
		defer cancel()
		var err error
		id, err = h.store.CreateReviewRecord(pctx, tenantID, reason, job.Payload, fields)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create review record: %w", err)
	}
	log.Info().Str("tenant_id", tenantID).Str("job_id", job.ID).Str("review_id", id).Str("reason", reason).Msg("message routed to review")
	return domain.OutcomeReviewed, nil
}

func messageText(env domain.Envelope) string {
	if s := strings.TrimSpace(env.Subject); s != "" {
		return "Subject: " + s + "\n\n" + env.Body
	}
	return env.Body
}

func transient(err error) bool {
	return errors.Is(err, domain.ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
