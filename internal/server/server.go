// Package server exposes the batch pipeline over HTTP: submit a job, poll
// its status, cancel it, download the finished archive.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/postalworks/batchpress/pkg/batch"
	"github.com/postalworks/batchpress/pkg/errors"
	"github.com/postalworks/batchpress/pkg/store"
)

// JobRunner executes a batch task to completion. *batch.Orchestrator is
// the production implementation.
type JobRunner interface {
	Run(ctx context.Context, task *batch.Task) error
}

// Config wires the server's collaborators.
type Config struct {
	Store  store.Store
	Runner JobRunner
	Logger *log.Logger

	// MaxBodyBytes bounds the submit payload. Defaults to 32 MiB, which
	// fits six-figure recipient lists comfortably.
	MaxBodyBytes int64
}

// Server handles the batch HTTP API.
type Server struct {
	cfg     Config
	baseCtx context.Context
}

// New creates a server. baseCtx bounds the lifetime of background job
// runs; cancelling it stops accepted jobs cooperatively.
func New(baseCtx context.Context, cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New(errors.ErrCodeInvalidInput, "server requires a store")
	}
	if cfg.Runner == nil {
		return nil, errors.New(errors.ErrCodeInvalidInput, "server requires a job runner")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Server{cfg: cfg, baseCtx: baseCtx}, nil
}

// Router builds the chi router for the API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/{id}", s.handleStatus)
		r.Get("/{id}/recipients", s.handleRecipients)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Get("/{id}/download", s.handleDownload)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

// handleSubmit accepts a task and runs it in the background. The response
// is the job handle; progress is observed by polling.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var task batch.Task
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&task); err != nil {
		s.writeError(w, errors.Wrap(errors.ErrCodeInvalidInput, err, "malformed task payload"))
		return
	}
	if task.JobID == "" {
		task.JobID = uuid.NewString()
	}
	if err := task.Validate(); err != nil {
		s.writeError(w, err)
		return
	}

	go func() {
		if err := s.cfg.Runner.Run(s.baseCtx, &task); err != nil {
			s.cfg.Logger.Warn("background job ended with error", "job", task.JobID, "err", err)
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":  task.JobID,
		"status": store.JobPending,
		"total":  len(task.Recipients),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.cfg.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRecipients(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.cfg.Store.GetJob(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	rows, err := s.cfg.Store.ListRecipients(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cfg.Store.RequestCancel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"jobId": id, "cancelRequested": true})
}

// handleDownload streams the finished archive. Only completed jobs have
// an artifact; everything else is a 404 so clients can poll the status
// endpoint instead of racing the pipeline.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, err := s.cfg.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if job.ArtifactPath == "" {
		s.writeError(w, errors.New(errors.ErrCodeArtifactNotFound,
			"job %s has no archive (status %s)", job.ID, job.Status))
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+job.ID+`.zip"`)
	http.ServeFile(w, r, job.ArtifactPath)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.cfg.Logger.Warn("response write failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.ErrCodeInvalidInput, errors.ErrCodeInvalidTask, errors.ErrCodeInvalidTemplate:
		status = http.StatusBadRequest
	case errors.ErrCodeJobNotFound, errors.ErrCodeNotFound,
		errors.ErrCodeTemplateNotFound, errors.ErrCodeArtifactNotFound:
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, map[string]string{
		"code":  string(errors.GetCode(err)),
		"error": errors.UserMessage(err),
	})
}
