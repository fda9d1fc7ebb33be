package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/systemshift/provprune/internal/server/core"
	"github.com/systemshift/provprune/internal/server/jobs"
)

const (
	maxBodyBytes = 10 << 20
	xlsxMIME     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Dispatcher is the job surface the HTTP layer drives
type Dispatcher interface {
	Submit(ctx context.Context, nodes []core.NodeID) (string, int, error)
	Query(ctx context.Context, jobID string, mode jobs.QueryMode) (*jobs.QueryResult, error)
	Stop(ctx context.Context, jobID string) (*core.Job, error)
	ResetCache(ctx context.Context) error
}

// Exporter renders a job's results as a workbook
type Exporter interface {
	JobResultsXLSX(ctx context.Context, jobID string) ([]byte, error)
}

// Pinger reports whether a backing service is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the HTTP server dependencies
type Server struct {
	jobs     Dispatcher
	exporter Exporter
	checks   map[string]Pinger
	logger   *slog.Logger
}

// New creates a new API server. checks are pinged by /health.
func New(d Dispatcher, exporter Exporter, checks map[string]Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{jobs: d, exporter: exporter, checks: checks, logger: logger}
}

// Router returns the HTTP routes with their middleware
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.HealthCheck)
	r.Post("/classify", s.Classify)
	r.Get("/job-action", s.JobAction)
	r.Get("/job-export", s.JobExport)
	r.Get("/reset-cache", s.ResetCache)
	return r
}

// ClassifyRequest is the request body for POST /classify
type ClassifyRequest struct {
	Nodes []core.NodeID `json:"nodes"`
}

// ClassifyResponse is the response for an admitted job
type ClassifyResponse struct {
	Status         string `json:"status"`
	JobID          string `json:"jobID"`
	CachingActive  bool   `json:"caching_active"`
	NodesToProcess int    `json:"nodes_to_process"`
}

// JobStatusResponse answers action=status and action=stop
type JobStatusResponse struct {
	ID     string         `json:"id"`
	Status core.JobStatus `json:"status"`
	Error  string         `json:"error,omitempty"`
}

// JobResultsResponse answers action=results
type JobResultsResponse struct {
	Status  core.JobStatus    `json:"status"`
	Results []core.ResultView `json:"results"`
}

// Classify handles POST /classify
func (s *Server) Classify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "reading body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := validateBody(classifySchema, body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req ClassifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	jobID, count, err := s.jobs.Submit(r.Context(), req.Nodes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ClassifyResponse{
		Status:         "Success",
		JobID:          jobID,
		CachingActive:  true,
		NodesToProcess: count,
	})
}

// JobAction handles GET /job-action?id=<jobID>&action=status|results|stop
func (s *Server) JobAction(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	jobID := query.Get("id")
	if jobID == "" {
		http.Error(w, "missing id parameter", http.StatusBadRequest)
		return
	}

	switch action := query.Get("action"); action {
	case string(jobs.QueryStatus):
		res, err := s.jobs.Query(r.Context(), jobID, jobs.QueryStatus)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse(res.Job))

	case string(jobs.QueryResults):
		res, err := s.jobs.Query(r.Context(), jobID, jobs.QueryResults)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, JobResultsResponse{
			Status:  res.Job.Status,
			Results: core.Views(res.Results),
		})

	case "stop":
		job, err := s.jobs.Stop(r.Context(), jobID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse(*job))

	default:
		http.Error(w, fmt.Sprintf("invalid action %q", action), http.StatusBadRequest)
	}
}

func statusResponse(job core.Job) JobStatusResponse {
	return JobStatusResponse{ID: job.ID, Status: job.Status, Error: job.ErrorMessage}
}

// JobExport handles GET /job-export?id=<jobID>
func (s *Server) JobExport(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("id")
	if jobID == "" {
		http.Error(w, "missing id parameter", http.StatusBadRequest)
		return
	}

	xlsx, err := s.exporter.JobResultsXLSX(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", xlsxMIME)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".xlsx"))
	w.WriteHeader(http.StatusOK)
	w.Write(xlsx)
}

// ResetCache handles GET /reset-cache
func (s *Server) ResetCache(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.ResetCache(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "Success"})
}

// HealthCheck handles GET /health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for name, p := range s.checks {
		if err := p.Ping(r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"errors": failures,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps error kinds to status codes
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrValidation), errors.Is(err, core.ErrJobNotFound):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, core.ErrAdmissionDenied):
		http.Error(w, "Maximum number of running jobs achieved", http.StatusInternalServerError)
	case errors.Is(err, core.ErrStoreUnavailable):
		s.logger.Error("store unavailable", "path", r.URL.Path, "error", err,
			"request_id", middleware.GetReqID(r.Context()))
		http.Error(w, "result store unavailable", http.StatusServiceUnavailable)
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err,
			"request_id", middleware.GetReqID(r.Context()))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
