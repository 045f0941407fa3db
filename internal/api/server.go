package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"research-job-service/internal/audit"
	"research-job-service/internal/config"
	"research-job-service/internal/models"
	"research-job-service/internal/ratelimit"
	"research-job-service/internal/registry"
	"research-job-service/internal/telemetry"
)

// ScheduleFunc hands a claimed-or-pending job to the background execution
// path. The transport layer never runs the pipeline itself.
type ScheduleFunc func(jobID string)

// Server wires the HTTP surface for the job service.
type Server struct {
	cfg      config.Config
	reg      *registry.Registry
	sink     *audit.Sink
	limiter  *ratelimit.TokenBucket
	schedule ScheduleFunc
	log      *zap.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, reg *registry.Registry, sink *audit.Sink, limiter *ratelimit.TokenBucket, schedule ScheduleFunc, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if schedule == nil {
		schedule = func(string) {}
	}
	return &Server{
		cfg:      cfg,
		reg:      reg,
		sink:     sink,
		limiter:  limiter,
		schedule: schedule,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreate)
	r.Get("/jobs", s.handleList)
	r.Get("/jobs/{id}", s.handleGet)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Post("/jobs/{id}/retry", s.handleRetry)
	r.Delete("/jobs/{id}", s.handleDelete)
	r.Get("/jobs/{id}/history", s.handleHistory)
	r.Get("/jobs/{id}/stream", s.handleStream)
	return r
}

type createRequest struct {
	Query          string `json:"query"`
	IdempotencyKey string `json:"idempotency_key"`
}

type createResponse struct {
	Job        *models.Job `json:"job"`
	Idempotent bool        `json:"idempotent"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	if s.limiter != nil {
		key := fmt.Sprintf("rl:%s", clientFromRequest(r))
		allowed, _, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, reused := s.reg.Create(req.Query, req.IdempotencyKey)
	if !reused {
		telemetry.JobsCreated.Inc()
		s.schedule(job.ID)
		s.log.Info("job created", zap.String("job_id", job.ID))
	}
	writeJSON(w, http.StatusAccepted, createResponse{Job: job, Idempotent: reused})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := s.cfg.ListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	jobs := s.reg.List(status, limit)
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.reg.Get(id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	if !s.reg.RequestCancel(id) {
		writeError(w, http.StatusConflict, fmt.Sprintf("cannot cancel job with status: %s", job.Status))
		return
	}
	s.log.Info("cancellation requested", zap.String("job_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"message": "cancellation requested", "job_id": id})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.reg.ResetForRetry(id); err != nil {
		writeRegistryError(w, err)
		return
	}
	s.schedule(id)
	s.log.Info("job retry initiated", zap.String("job_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"message": "job retry initiated", "job_id": id})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.reg.Delete(id); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "job deleted", "job_id": id})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	job, err := s.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":            job.ID,
		"execution_history": job.ExecutionHistory,
	})
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
