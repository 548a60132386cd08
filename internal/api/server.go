package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"inboxflow/internal/domain"
	"inboxflow/internal/ingest"
	"inboxflow/internal/queue"
	"inboxflow/internal/worker"
)

const defaultListLimit = 50

type Submitter interface {
	Submit(ctx context.Context, env domain.Envelope) (ingest.SubmitResult, error)
	Duplicates() int64
}

type StatusReporter interface {
	Status() worker.Status
	StatusForTenant(id string) (queue.Stats, bool)
}

// Lister reads back what the pipeline persisted.
type Lister interface {
	ListBookings(ctx context.Context, tenantID string, limit int) ([]domain.Booking, error)
	ListReviews(ctx context.Context, tenantID string, limit int) ([]domain.ReviewRecord, error)
}

type Deps struct {
	Ingest    Submitter
	Processor StatusReporter
	Store     Lister
	Hub       *Hub
	Debug     bool
}

type Server struct {
	r    *chi.Mux
	deps Deps
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, deps: d}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/messages", s.submitMessage)
	r.Get("/api/status", s.status)
	r.Get("/api/status/{tenant}", s.tenantStatus)
	r.Get("/api/reviews", s.listReviews)
	r.Get("/api/tenants/{id}/bookings", s.listBookings)
	if d.Hub != nil {
		r.Get("/ws", s.serveWS)
	}

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Processor.Status()
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	gauge := func(name, help string, v int64) {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, help, name, name, v)
	}
	counter := func(name, help string, v int64) {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
	}
	gauge("inboxflow_up", "Whether the service is up.", 1)
	gauge("inboxflow_tenant_queues", "Live tenant queues.", int64(st.Tenants))
	gauge("inboxflow_jobs_pending", "Jobs waiting in tenant queues.", int64(st.Pending))
	gauge("inboxflow_jobs_in_flight", "Tenants with a job holding the execution lock.", int64(st.InFlight))
	counter("inboxflow_jobs_enqueued_total", "Jobs accepted into a queue.", st.TotalEnqueued)
	counter("inboxflow_jobs_completed_total", "Jobs completed, booked or reviewed.", st.TotalCompleted)
	counter("inboxflow_jobs_reviewed_total", "Completed jobs routed to manual review.", st.TotalReviewed)
	counter("inboxflow_jobs_failed_total", "Jobs failed after exhausting retries.", st.TotalFailed)
	counter("inboxflow_job_retries_total", "Job-level retries.", st.TotalRetries)
	if s.deps.Ingest != nil {
		counter("inboxflow_duplicates_total", "Submissions rejected as duplicates.", s.deps.Ingest.Duplicates())
	}
}

type submitReq struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

func (s *Server) submitMessage(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if strings.TrimSpace(req.To) == "" {
		http.Error(w, "to is required", 400)
		return
	}
	res, err := s.deps.Ingest.Submit(r.Context(), domain.Envelope{
		MessageID: req.MessageID,
		From:      req.From,
		To:        req.To,
		Subject:   req.Subject,
		Body:      req.Body,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	code := http.StatusAccepted
	if res.IsDuplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.deps.Processor.Status())
}

func (s *Server) tenantStatus(w http.ResponseWriter, r *http.Request) {
	st, _ := s.deps.Processor.StatusForTenant(chi.URLParam(r, "tenant"))
	writeJSON(w, 200, st)
}

func (s *Server) listReviews(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	reviews, err := s.deps.Store.ListReviews(r.Context(), r.URL.Query().Get("tenant"), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if reviews == nil {
		reviews = []domain.ReviewRecord{}
	}
	writeJSON(w, 200, reviews)
}

func (s *Server) listBookings(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	bookings, err := s.deps.Store.ListBookings(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if bookings == nil {
		bookings = []domain.Booking{}
	}
	writeJSON(w, 200, bookings)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.deps.Hub.ServeWS(w, r, map[string]any{
		"type":   "snapshot",
		"status": s.deps.Processor.Status(),
	})
}

func limitParam(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
