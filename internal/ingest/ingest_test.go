package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"inboxflow/internal/dedup"
	"inboxflow/internal/domain"
	"inboxflow/internal/extract"
	"inboxflow/internal/queue"
	"inboxflow/internal/store"
	"inboxflow/internal/worker"
)

func fixedNow() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type countingExtractor struct {
	inner Extractor
	calls atomic.Int32
}

func (c *countingExtractor) Extract(ctx context.Context, body, sender, tenantID string) (domain.ExtractedFields, error) {
	c.calls.Add(1)
	return c.inner.Extract(ctx, body, sender, tenantID)
}

type extractorFunc func(ctx context.Context, body, sender, tenantID string) (domain.ExtractedFields, error)

func (f extractorFunc) Extract(ctx context.Context, body, sender, tenantID string) (domain.ExtractedFields, error) {
	return f(ctx, body, sender, tenantID)
}

// flakyStore fails the first n CreateBooking calls with a transient error.
type flakyStore struct {
	store.Repository
	remaining atomic.Int32
	calls     atomic.Int32
}

func (f *flakyStore) CreateBooking(ctx context.Context, tenantID, key string, fields domain.ExtractedFields) (domain.Booking, error) {
	f.calls.Add(1)
	if f.remaining.Add(-1) >= 0 {
		return domain.Booking{}, fmt.Errorf("database locked: %w", domain.ErrUnavailable)
	}
	return f.Repository.CreateBooking(ctx, tenantID, key, fields)
}

type harness struct {
	repo     store.Repository
	detector *dedup.Detector
	clock    *clock
	registry *queue.Registry
	proc     *worker.Processor
	svc      *Service
}

func newRepo(t *testing.T) (store.Repository, string) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	repo := store.NewSQLiteRepo(db)
	id, err := repo.CreateTenant(context.Background(), domain.Tenant{Prefix: "studio1", Name: "Studio One"})
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	if id == "studio1" {
		t.Fatal("tenant id must differ from its prefix")
	}
	return repo, id
}

func newHarness(t *testing.T, repo store.Repository, st Store, ex Extractor, opts Options, maxRetries int) *harness {
	t.Helper()
	c := &clock{t: fixedNow()}
	det := dedup.NewMemory(10*time.Second, 512, 1000)
	det.SetClock(c.now)

	h := NewHandler(st, ex, det, opts)
	reg := queue.NewRegistry(time.Hour)
	proc := worker.NewProcessor(context.Background(), reg, h, worker.Config{MaxRetries: maxRetries})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = proc.Shutdown(ctx)
	})
	return &harness{repo: repo, detector: det, clock: c, registry: reg, proc: proc, svc: NewService(det, st, proc)}
}

func defaultOptions() Options {
	return Options{
		ExtractTimeout: time.Second,
		PersistTimeout: time.Second,
		CreateAttempts: 3,
		CreateBackoff:  time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func (h *harness) submit(t *testing.T, env domain.Envelope) SubmitResult {
	t.Helper()
	res, err := h.svc.Submit(context.Background(), env)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return res
}

func (h *harness) waitSettled(t *testing.T, n int64) worker.Status {
	t.Helper()
	waitFor(t, 5*time.Second, func() bool {
		s := h.proc.Status()
		return s.TotalCompleted+s.TotalFailed >= n
	})
	return h.proc.Status()
}

func weddingEnquiry() domain.Envelope {
	return domain.Envelope{
		From:    "Alice Smith <alice@example.com>",
		To:      "studio1@in.example.com",
		Subject: "Wedding enquiry",
		Body:    "Saturday 12 July, The Oak Barn, £500",
	}
}

func TestBookingCreated(t *testing.T) {
	repo, tid := newRepo(t)
	h := newHarness(t, repo, repo, extract.Rules{Now: fixedNow}, defaultOptions(), 3)

	res := h.submit(t, weddingEnquiry())
	if res.IsDuplicate || res.JobID == "" || res.TenantID != tid || res.Queue != tid || res.QueuePosition != 1 {
		t.Fatalf("submit result = %+v", res)
	}
	h.waitSettled(t, 1)

	bookings, err := repo.ListBookings(context.Background(), tid, 10)
	if err != nil {
		t.Fatalf("list bookings: %v", err)
	}
	if len(bookings) != 1 {
		t.Fatalf("bookings = %d, want 1", len(bookings))
	}
	b := bookings[0]
	if b.Venue != "The Oak Barn" || b.Fee == nil || *b.Fee != 500 || b.IdempotencyKey != res.JobID {
		t.Fatalf("booking = %+v", b)
	}
	if b.EventDate == nil || !b.EventDate.Equal(time.Date(2026, 7, 12, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("event date = %v", b.EventDate)
	}

	st, ok := h.proc.StatusForTenant(tid)
	if !ok {
		t.Fatal("no status for tenant")
	}
	if st.Pending != 0 || st.Failed != 0 || st.Completed != 1 || st.Reviewed != 0 {
		t.Fatalf("tenant status = %+v", st)
	}
	if h.detector.InFlight() != 0 {
		t.Fatalf("in-flight claims = %d", h.detector.InFlight())
	}
}

func TestDuplicateSubmission(t *testing.T) {
	repo, tid := newRepo(t)
	h := newHarness(t, repo, repo, extract.Rules{Now: fixedNow}, defaultOptions(), 3)

	first := h.submit(t, weddingEnquiry())
	second := h.submit(t, weddingEnquiry())
	if first.IsDuplicate || !second.IsDuplicate {
		t.Fatalf("first = %+v, second = %+v", first, second)
	}
	h.waitSettled(t, 1)

	if again := h.submit(t, weddingEnquiry()); !again.IsDuplicate {
		t.Fatalf("resubmission inside window accepted: %+v", again)
	}
	if h.svc.Duplicates() != 2 {
		t.Fatalf("duplicates = %d", h.svc.Duplicates())
	}

	h.clock.advance(11 * time.Second)
	if later := h.submit(t, weddingEnquiry()); later.IsDuplicate {
		t.Fatal("resubmission after window rejected")
	}
	h.waitSettled(t, 2)

	bookings, _ := repo.ListBookings(context.Background(), tid, 10)
	if len(bookings) != 2 {
		t.Fatalf("bookings = %d, want 2", len(bookings))
	}
}

func TestEmptyBodyReviewed(t *testing.T) {
	repo, tid := newRepo(t)
	h := newHarness(t, repo, repo, extract.Rules{Now: fixedNow}, defaultOptions(), 3)

	env := weddingEnquiry()
	env.Body = "   "
	h.submit(t, env)
	s := h.waitSettled(t, 1)
	if s.TotalCompleted != 1 || s.TotalReviewed != 1 || s.TotalRetries != 0 || s.TotalFailed != 0 {
		t.Fatalf("status = %+v", s)
	}

	reviews, err := repo.ListReviews(context.Background(), tid, 10)
	if err != nil {
		t.Fatalf("list reviews: %v", err)
	}
	if len(reviews) != 1 || reviews[0].Reason != domain.ReasonEmptyMessage {
		t.Fatalf("reviews = %+v", reviews)
	}
	if bookings, _ := repo.ListBookings(context.Background(), tid, 10); len(bookings) != 0 {
		t.Fatalf("bookings = %d, want 0", len(bookings))
	}
}

func TestUnknownRecipientReviewed(t *testing.T) {
	repo, _ := newRepo(t)
	h := newHarness(t, repo, repo, extract.Rules{Now: fixedNow}, defaultOptions(), 3)

	env := weddingEnquiry()
	env.To = "nobody@in.example.com"
	res := h.submit(t, env)
	if res.TenantID != "" || res.Queue != "nobody" {
		t.Fatalf("submit result = %+v", res)
	}
	h.waitSettled(t, 1)

	reviews, _ := repo.ListReviews(context.Background(), "", 10)
	if len(reviews) != 1 || reviews[0].Reason != domain.ReasonUnknownRecipient || reviews[0].TenantID != "" {
		t.Fatalf("reviews = %+v", reviews)
	}
	if reviews[0].Payload.To != env.To {
		t.Fatalf("payload = %+v", reviews[0].Payload)
	}
}

func TestIncompleteExtractionReviewed(t *testing.T) {
	repo, tid := newRepo(t)
	h := newHarness(t, repo, repo, extract.Rules{Now: fixedNow}, defaultOptions(), 3)

	env := weddingEnquiry()
	env.Subject = "Quick question"
	env.Body = "Hi, are you free for a chat sometime? Budget around £300."
	h.submit(t, env)
	h.waitSettled(t, 1)

	reviews, _ := repo.ListReviews(context.Background(), tid, 10)
	if len(reviews) != 1 || reviews[0].Reason != domain.ReasonIncompleteExtraction {
		t.Fatalf("reviews = %+v", reviews)
	}
	if reviews[0].Fields == nil || reviews[0].Fields.Fee == nil || *reviews[0].Fields.Fee != 300 {
		t.Fatalf("review fields = %+v", reviews[0].Fields)
	}
}

func TestKnownSourceWithoutDateBooked(t *testing.T) {
	repo, tid := newRepo(t)
	h := newHarness(t, repo, repo, extract.Rules{Now: fixedNow}, defaultOptions(), 3)

	env := weddingEnquiry()
	env.Subject = "New lead via Bark"
	env.Body = "A client is looking for a quote for a birthday party."
	h.submit(t, env)
	h.waitSettled(t, 1)

	bookings, _ := repo.ListBookings(context.Background(), tid, 10)
	if len(bookings) != 1 || bookings[0].Source != "bark" {
		t.Fatalf("bookings = %+v", bookings)
	}
}

func TestExtractionErrorReviewed(t *testing.T) {
	repo, tid := newRepo(t)
	ex := extractorFunc(func(context.Context, string, string, string) (domain.ExtractedFields, error) {
		return domain.ExtractedFields{}, errors.New("decode response: unexpected EOF")
	})
	h := newHarness(t, repo, repo, ex, defaultOptions(), 3)

	h.submit(t, weddingEnquiry())
	s := h.waitSettled(t, 1)
	if s.TotalRetries != 0 || s.TotalReviewed != 1 {
		t.Fatalf("status = %+v", s)
	}
	reviews, _ := repo.ListReviews(context.Background(), tid, 10)
	if len(reviews) != 1 || reviews[0].Reason != domain.ReasonExtractionFailed {
		t.Fatalf("reviews = %+v", reviews)
	}
}

func TestPersistenceRetriedWithinJob(t *testing.T) {
	repo, tid := newRepo(t)
	flaky := &flakyStore{Repository: repo}
	flaky.remaining.Store(2)
	h := newHarness(t, repo, flaky, extract.Rules{Now: fixedNow}, defaultOptions(), 3)

	h.submit(t, weddingEnquiry())
	s := h.waitSettled(t, 1)
	if s.TotalCompleted != 1 || s.TotalRetries != 0 {
		t.Fatalf("status = %+v", s)
	}
	if got := flaky.calls.Load(); got != 3 {
		t.Fatalf("create calls = %d, want 3", got)
	}
	if bookings, _ := repo.ListBookings(context.Background(), tid, 10); len(bookings) != 1 {
		t.Fatalf("bookings = %d, want 1", len(bookings))
	}
}

func TestPersistenceExhaustionFailsJob(t *testing.T) {
	repo, tid := newRepo(t)
	flaky := &flakyStore{Repository: repo}
	flaky.remaining.Store(1000)
	ex := &countingExtractor{inner: extract.Rules{Now: fixedNow}}
	opts := defaultOptions()
	opts.CreateAttempts = 2
	h := newHarness(t, repo, flaky, ex, opts, 2)

	h.submit(t, weddingEnquiry())
	s := h.waitSettled(t, 1)
	if s.TotalFailed != 1 || s.TotalRetries != 2 {
		t.Fatalf("status = %+v", s)
	}
	if got := ex.calls.Load(); got != 1 {
		t.Fatalf("extract calls = %d, want 1", got)
	}
	if got := flaky.calls.Load(); got != 6 {
		t.Fatalf("create calls = %d, want 6", got)
	}
	st, _ := h.proc.StatusForTenant(tid)
	if len(st.RecentFailures) != 1 {
		t.Fatalf("recent failures = %+v", st.RecentFailures)
	}

	if h.detector.InFlight() != 0 {
		t.Fatalf("claim kept after failure")
	}
	if res := h.submit(t, weddingEnquiry()); res.IsDuplicate {
		t.Fatal("failed message cannot be resubmitted")
	}
}

func TestExtractionTimeoutRetried(t *testing.T) {
	repo, _ := newRepo(t)
	blocking := &countingExtractor{inner: extractorFunc(func(ctx context.Context, _, _, _ string) (domain.ExtractedFields, error) {
		<-ctx.Done()
		return domain.ExtractedFields{}, ctx.Err()
	})}
	opts := defaultOptions()
	opts.ExtractTimeout = 10 * time.Millisecond
	h := newHarness(t, repo, repo, blocking, opts, 1)

	h.submit(t, weddingEnquiry())
	s := h.waitSettled(t, 1)
	if s.TotalFailed != 1 || s.TotalRetries != 1 {
		t.Fatalf("status = %+v", s)
	}
	if got := blocking.calls.Load(); got != 2 {
		t.Fatalf("extract calls = %d, want 2", got)
	}
	if reviews, _ := repo.ListReviews(context.Background(), "", 10); len(reviews) != 0 {
		t.Fatalf("timeout routed to review: %+v", reviews)
	}
}

func TestRetryLinearBackoff(t *testing.T) {
	var calls int
	start := time.Now()
	err := retry(context.Background(), 3, 5*time.Millisecond, func(int) error {
		calls++
		return errors.New("boom")
	})
	if err == nil || calls != 3 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("elapsed %v, want at least 15ms", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = retry(ctx, 3, time.Hour, func(int) error { return errors.New("boom") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// flakyLookup fails the first n tenant lookups with a transient error.
type flakyLookup struct {
	store.Repository
	remaining atomic.Int32
}

func (f *flakyLookup) ResolveTenantByAddressPrefix(ctx context.Context, prefix string) (string, error) {
	if f.remaining.Add(-1) >= 0 {
		return "", fmt.Errorf("database is locked: %w", domain.ErrUnavailable)
	}
	return f.Repository.ResolveTenantByAddressPrefix(ctx, prefix)
}

// overlapExtractor records the highest number of concurrent Extract calls.
type overlapExtractor struct {
	inner  Extractor
	delay  time.Duration
	active atomic.Int32
	max    atomic.Int32
}

func (o *overlapExtractor) Extract(ctx context.Context, body, sender, tenantID string) (domain.ExtractedFields, error) {
	n := o.active.Add(1)
	defer o.active.Add(-1)
	for {
		m := o.max.Load()
		if n <= m || o.max.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(o.delay)
	return o.inner.Extract(ctx, body, sender, tenantID)
}

func TestTransientLookupKeepsOneQueuePerTenant(t *testing.T) {
	repo, tid := newRepo(t)
	lookup := &flakyLookup{Repository: repo}
	lookup.remaining.Store(1)
	ex := &overlapExtractor{inner: extract.Rules{Now: fixedNow}, delay: 20 * time.Millisecond}
	h := newHarness(t, repo, lookup, ex, defaultOptions(), 3)

	first := weddingEnquiry()
	if _, err := h.svc.Submit(context.Background(), first); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("submit during lookup failure: err = %v, want ErrUnavailable", err)
	}
	if h.detector.InFlight() != 0 || h.registry.Len() != 0 {
		t.Fatalf("failed submit left state: in flight %d, queues %d", h.detector.InFlight(), h.registry.Len())
	}

	second := weddingEnquiry()
	second.Body = "Sunday 13 July, Hilltop Manor, £600"
	for _, env := range []domain.Envelope{first, second} {
		if res := h.submit(t, env); res.IsDuplicate || res.Queue != tid || res.TenantID != tid {
			t.Fatalf("submit result = %+v, want queue %s", res, tid)
		}
	}
	h.waitSettled(t, 2)

	if h.registry.Len() != 1 {
		t.Fatalf("live queues = %d, want 1", h.registry.Len())
	}
	if m := ex.max.Load(); m != 1 {
		t.Fatalf("max concurrent extractions = %d, want 1", m)
	}
	bookings, _ := repo.ListBookings(context.Background(), tid, 10)
	if len(bookings) != 2 {
		t.Fatalf("bookings = %d, want 2", len(bookings))
	}
}

func TestAddressVariantsShareTenantQueue(t *testing.T) {
	repo, tid := newRepo(t)
	ex := &overlapExtractor{inner: extract.Rules{Now: fixedNow}, delay: 10 * time.Millisecond}
	h := newHarness(t, repo, repo, ex, defaultOptions(), 3)

	for i, to := range []string{
		"studio1@in.example.com",
		"Studio One <Studio1+web@in.example.com>",
		"STUDIO1@other.example.com",
	} {
		env := weddingEnquiry()
		env.To = to
		env.Body = fmt.Sprintf("Saturday 1%d July, The Oak Barn, £500", i)
		if res := h.submit(t, env); res.Queue != tid {
			t.Fatalf("%s queued under %q, want %q", to, res.Queue, tid)
		}
	}
	h.waitSettled(t, 3)

	if h.registry.Len() != 1 {
		t.Fatalf("live queues = %d, want 1", h.registry.Len())
	}
	if m := ex.max.Load(); m != 1 {
		t.Fatalf("max concurrent extractions = %d, want 1", m)
	}
	if bookings, _ := repo.ListBookings(context.Background(), tid, 10); len(bookings) != 3 {
		t.Fatalf("bookings = %d, want 3", len(bookings))
	}
}

func TestTenantRegisteredAfterQueueing(t *testing.T) {
	repo, _ := newRepo(t)
	ex := &countingExtractor{inner: extract.Rules{Now: fixedNow}}
	h := NewHandler(repo, ex, dedup.NewMemory(10*time.Second, 512, 100), defaultOptions())

	// Queued under the bare prefix before the tenant existed.
	job := &domain.Job{ID: "job_early", TenantID: "studio1", Payload: weddingEnquiry()}
	out, err := h.Handle(context.Background(), job)
	if err != nil || out != domain.OutcomeReviewed {
		t.Fatalf("handle = %q, %v", out, err)
	}
	if ex.calls.Load() != 0 {
		t.Fatal("extraction ran outside the tenant queue")
	}
	reviews, _ := repo.ListReviews(context.Background(), "", 10)
	if len(reviews) != 1 || reviews[0].Reason != domain.ReasonUnknownRecipient || reviews[0].TenantID != "" {
		t.Fatalf("reviews = %+v", reviews)
	}
}

func TestEmptyMessageToUnknownRecipient(t *testing.T) {
	repo, _ := newRepo(t)
	h := newHarness(t, repo, repo, extract.Rules{Now: fixedNow}, defaultOptions(), 3)

	env := weddingEnquiry()
	env.To = "nobody@in.example.com"
	env.Body = ""
	h.submit(t, env)
	h.waitSettled(t, 1)

	reviews, _ := repo.ListReviews(context.Background(), "", 10)
	if len(reviews) != 1 || reviews[0].Reason != domain.ReasonEmptyMessage || reviews[0].TenantID != "" {
		t.Fatalf("reviews = %+v", reviews)
	}
	if rs, _ := repo.ListReviews(context.Background(), "nobody", 10); len(rs) != 0 {
		t.Fatalf("review stored under a prefix: %+v", rs)
	}
}
