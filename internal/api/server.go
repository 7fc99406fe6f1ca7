// Package api exposes the HTTP interface for the ingestion service: job
// submission, job status, queue administration and health endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kudoshq/ingestd/internal/ingest"
	"github.com/kudoshq/ingestd/internal/metrics"
	"github.com/kudoshq/ingestd/internal/pipeline"
)

// Config controls the HTTP surface.
type Config struct {
	// APIKey, when set, is required on every /v1 request.
	APIKey string
	// RequestTimeout bounds handler execution. Defaults to 60s.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the queue.
type Server struct {
	router chi.Router
	queue  ingest.Queue
	logger *zap.Logger
	cfg    Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(queue ingest.Queue, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{queue: queue, logger: logger, cfg: cfg}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/{job_id}", s.jobStatus)
		})
		r.Route("/queues", func(r chi.Router) {
			r.Post("/pause", s.pauseAll)
			r.Post("/resume", s.resumeAll)
			r.Post("/{queue}/pause", s.pauseQueue)
			r.Post("/{queue}/resume", s.resumeQueue)
		})
		r.Post("/connections/{connection_id}/collect", s.collectNow)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitJobRequest struct {
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	DedupKey    string          `json:"dedup_key"`
	Priority    int             `json:"priority"`
	DelayMS     int64           `json:"delay_ms"`
	MaxAttempts int             `json:"max_attempts"`
	OnDuplicate string          `json:"on_duplicate"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Queue == "" {
		writeError(w, http.StatusBadRequest, "queue is required")
		return
	}
	opts := ingest.EnqueueOptions{
		Priority:    req.Priority,
		DedupKey:    req.DedupKey,
		Delay:       time.Duration(req.DelayMS) * time.Millisecond,
		MaxAttempts: req.MaxAttempts,
		OnDuplicate: ingest.DuplicatePolicy(req.OnDuplicate),
	}
	jobID, err := s.queue.Enqueue(r.Context(), req.Queue, req.Payload, opts)
	if errors.Is(err, ingest.ErrDuplicateJob) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "duplicate job",
			"job_id": jobID,
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

type jobStatusResponse struct {
	ID          string     `json:"id"`
	Queue       string     `json:"queue"`
	State       string     `json:"state"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadyAt     time.Time  `json:"ready_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.queue.Job(r.Context(), jobID)
	if errors.Is(err, ingest.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobStatusResponse{
		ID:          job.ID,
		Queue:       job.Queue,
		State:       string(job.State),
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		LastError:   job.LastError,
		CreatedAt:   job.CreatedAt,
		ReadyAt:     job.ReadyAt,
		StartedAt:   job.StartedAt,
		FinishedAt:  job.FinishedAt,
	})
}

func (s *Server) pauseAll(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, "", true)
}

func (s *Server) resumeAll(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, "", false)
}

func (s *Server) pauseQueue(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, chi.URLParam(r, "queue"), true)
}

func (s *Server) resumeQueue(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, chi.URLParam(r, "queue"), false)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, queue string, paused bool) {
	var err error
	if paused {
		err = s.queue.Pause(r.Context(), queue)
	} else {
		err = s.queue.Resume(r.Context(), queue)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	scope := queue
	if scope == "" {
		scope = "all"
	}
	state := "resumed"
	if paused {
		state = "paused"
	}
	writeJSON(w, http.StatusOK, map[string]string{"queue": scope, "state": state})
}

// collectNow enqueues an immediate collection run for one connection, with
// the same dedup key the scheduler uses so manual and scheduled runs cannot
// stack up.
func (s *Server) collectNow(w http.ResponseWriter, r *http.Request) {
	connectionID := chi.URLParam(r, "connection_id")
	payload, err := json.Marshal(pipeline.CollectionPayload{ConnectionID: connectionID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jobID, err := s.queue.Enqueue(r.Context(), pipeline.QueueCollect, payload, ingest.EnqueueOptions{
		DedupKey: "collect:" + connectionID,
	})
	if errors.Is(err, ingest.ErrDuplicateJob) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "collection already queued",
			"job_id": jobID,
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
