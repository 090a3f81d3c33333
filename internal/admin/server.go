package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/emperorhan/withdrawal-finalizer/internal/domain/model"
	"github.com/emperorhan/withdrawal-finalizer/internal/finalizer"
	"github.com/emperorhan/withdrawal-finalizer/internal/store"
	"github.com/google/uuid"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 500
)

// RunTrigger starts an out-of-schedule run. In production this is
// satisfied by *finalizer.Scheduler.
type RunTrigger interface {
	Trigger(ctx context.Context, queue string) (model.RunReport, error)
}

// HealthProvider returns per-queue health snapshots.
type HealthProvider interface {
	HealthSnapshots() []finalizer.HealthSnapshot
}

// Server provides the HTTP admin API for run history and manual runs.
type Server struct {
	reports        store.RunReportRepository
	trigger        RunTrigger
	healthProvider HealthProvider
	logger         *slog.Logger
}

func NewServer(reports store.RunReportRepository, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		reports: reports,
		logger:  logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

func WithRunTrigger(t RunTrigger) ServerOption {
	return func(s *Server) { s.trigger = t }
}

func WithHealthProvider(hp HealthProvider) ServerOption {
	return func(s *Server) { s.healthProvider = hp }
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/v1/health", s.handleHealth)
	mux.HandleFunc("GET /admin/v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /admin/v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /admin/v1/runs/{queue}/latest", s.handleLatestRun)
	mux.HandleFunc("POST /admin/v1/runs/{queue}", s.handleTriggerRun)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.healthProvider == nil {
		writeError(w, http.StatusServiceUnavailable, "health provider not available")
		return
	}
	writeJSON(w, http.StatusOK, s.healthProvider.HealthSnapshots())
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxRunsLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	reports, err := s.reports.ListRecent(r.Context(), r.URL.Query().Get("queue"), limit)
	if err != nil {
		s.logger.Error("list runs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if reports == nil {
		reports = []model.RunReport{}
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	report, err := s.reports.Get(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case err != nil:
		s.logger.Error("get run failed", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

// handleLatestRun returns the newest finished run of a queue, i.e. the batch
// plan the submitter should be acting on.
func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	queue := r.PathValue("queue")
	report, err := s.reports.LastFinished(r.Context(), queue)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "no finished run")
	case err != nil:
		s.logger.Error("latest run lookup failed", "queue", queue, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

// handleTriggerRun runs the queue synchronously and returns its report. A
// failed run is still a 200: the report carries the failure.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "manual runs not available")
		return
	}

	queue := r.PathValue("queue")
	report, err := s.trigger.Trigger(context.WithoutCancel(r.Context()), queue)
	switch {
	case errors.Is(err, finalizer.ErrUnknownQueue):
		writeError(w, http.StatusNotFound, "unknown queue")
		return
	case errors.Is(err, finalizer.ErrRunInProgress):
		writeError(w, http.StatusConflict, "run already in progress")
		return
	case errors.Is(err, finalizer.ErrRunnerRetired):
		writeError(w, http.StatusConflict, "queue is being reloaded")
		return
	case err != nil && report.ID == uuid.Nil:
		s.logger.Error("manual run failed", "queue", queue, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.logger.Info("manual run completed",
		"queue", queue,
		"run_id", report.ID,
		"outcome", report.Outcome,
	)
	writeJSON(w, http.StatusOK, report)
}
