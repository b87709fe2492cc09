package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"docbatch/internal/events"
	"docbatch/internal/logger"
	"docbatch/internal/metrics"
	"docbatch/internal/models"
	"docbatch/internal/repository"
	"docbatch/internal/service"
)

const maxBodyBytes = 64 << 20

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// JobHandler handles HTTP requests for jobs
type JobHandler struct {
	jobs      *service.JobService
	metrics   *metrics.Metrics
	registry  Pinger
	publisher *events.Publisher
	logger    *zap.Logger
}

// NewJobHandler creates a new job handler. publisher may be nil.
func NewJobHandler(jobs *service.JobService, m *metrics.Metrics, registry Pinger, publisher *events.Publisher, log *zap.Logger) *JobHandler {
	return &JobHandler{
		jobs:      jobs,
		metrics:   metrics.OrNew(m),
		registry:  registry,
		publisher: publisher,
		logger:    logger.OrNop(log),
	}
}

// Routes builds the router
func (h *JobHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(CORS)
	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(Logging(h.logger))
		r.Use(Recovery(h.logger))

		r.Get("/metrics", h.GetMetrics)
		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", h.SubmitJob)
			r.Get("/", h.ListJobs)
			r.Get("/{id}", h.GetJob)
			r.Patch("/{id}/pause", h.PauseJob)
			r.Patch("/{id}/resume", h.ResumeJob)
			r.Delete("/{id}", h.CancelJob)
		})
	})
	return r
}

// SubmitJob handles POST /v1/jobs
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	job, err := h.jobs.Submit(r.Context(), &req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.NewSummary(job))
}

// GetJob handles GET /v1/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSummary(job))
}

// ListJobs handles GET /v1/jobs?status=&batch_id=&limit=&offset=
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.ListFilter{
		Status:  models.JobStatus(q.Get("status")),
		BatchID: q.Get("batch_id"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, r, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, r, http.StatusBadRequest, "offset: "+err.Error())
		return
	}

	jobs, err := h.jobs.List(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	items := make([]*models.Summary, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, models.NewSummary(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": items, "count": len(items)})
}

// PauseJob handles PATCH /v1/jobs/{id}/pause
func (h *JobHandler) PauseJob(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.jobs.Pause, http.StatusAccepted)
}

// ResumeJob handles PATCH /v1/jobs/{id}/resume
func (h *JobHandler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.jobs.Resume, http.StatusOK)
}

// CancelJob handles DELETE /v1/jobs/{id}
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.jobs.Cancel, http.StatusAccepted)
}

func (h *JobHandler) control(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*models.ControlResponse, error), status int) {
	resp, err := op(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, status, resp)
}

// GetMetrics handles GET /metrics
func (h *JobHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"jobs": h.metrics.GetSnapshot()}
	if h.publisher != nil {
		body["events"] = h.publisher.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

// Health handles GET /health. Event backends are reported but never fail the check.
func (h *JobHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]any{"status": "ok"}
	if h.registry != nil {
		if err := h.registry.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unavailable"
			body["registry"] = err.Error()
		} else {
			body["registry"] = "ok"
		}
	}
	if h.publisher != nil && h.publisher.Enabled() {
		body["events"] = h.publisher.Health(ctx)
	}
	writeJSON(w, status, body)
}

func (h *JobHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal server error"
	}
	writeError(w, r, status, msg)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrEmptyBatch):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, service.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	}
	var dup *repository.DuplicateJobError
	if errors.As(err, &dup) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", raw)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error":      msg,
		"request_id": RequestID(r.Context()),
	})
}
