// Package server exposes gowarden's read-only status API over HTTP.
//
// The API is observational: job mutations go through the CLI and the
// engine's locking discipline, never through this surface.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/3leaps/gowarden/pkg/jobfile"
	"github.com/3leaps/gowarden/pkg/sentinel"
)

// HTTPErrorResponse is the JSON error envelope for every non-2xx reply.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPError carries a stable machine code plus a human message.
type HTTPError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// VersionInfo is reported by /version.
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
}

// SentinelStatus provides the sentinel's current report.
type SentinelStatus interface {
	Status() sentinel.Report
}

// Server serves the status API.
type Server struct {
	host    string
	port    int
	store   *jobfile.Store
	watch   SentinelStatus
	version VersionInfo
	log     *zap.Logger
	router  chi.Router
	http    *http.Server
}

// New creates a status server over a job store. watch may be nil when
// no sentinel runs in this process.
func New(host string, port int, store *jobfile.Store, watch SentinelStatus, version VersionInfo, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		host:    host,
		port:    port,
		store:   store,
		watch:   watch,
		version: version,
		log:     log,
	}
	s.router = s.buildRouter()
	return s
}

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// Handler returns the root handler, exposed for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.log.Info("status server listening", zap.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/sentinel", s.handleSentinel)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	// The store is the only hard dependency; listability is health.
	if _, err := s.store.List(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.version)
}

// jobSummary is the list-view projection of a manifest. Prompt and
// history are omitted; fetch the job for the full record.
type jobSummary struct {
	JobID        string        `json:"job_id"`
	Name         string        `json:"name,omitempty"`
	State        jobfile.State `json:"state"`
	Role         string        `json:"role"`
	StatusReason string        `json:"status_reason,omitempty"`
	Steps        int           `json:"steps"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	stateFilter := r.URL.Query().Get("state")
	summaries := make([]jobSummary, 0, len(jobs))
	for i := range jobs {
		job := &jobs[i]
		if stateFilter != "" && string(job.State) != stateFilter {
			continue
		}
		summaries = append(summaries, jobSummary{
			JobID:        job.JobID,
			Name:         job.Name,
			State:        job.State,
			Role:         job.EffectiveRole(),
			StatusReason: job.StatusReason,
			Steps:        job.Metrics.Iterations,
			UpdatedAt:    job.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": summaries})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.store.ResolveJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	job, err := s.store.Get(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("job %s: %v", jobID, err))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleSentinel(w http.ResponseWriter, _ *http.Request) {
	if s.watch == nil {
		writeError(w, http.StatusNotFound, "SENTINEL_DISABLED", "no sentinel runs in this process")
		return
	}
	writeJSON(w, http.StatusOK, s.watch.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, HTTPErrorResponse{Error: HTTPError{Code: code, Message: message}})
}
