// ============================================================================
// Falcon-Sched Control Plane - HTTP JSON API
// ============================================================================
//
// Package: internal/server
// File: server.go
// Function: Exposes the kernel's submission, cancellation, directive, and
// status operations over HTTP, plus Prometheus scraping
//
// Endpoints:
//   POST   /v1/jobs              submit a job (JSON JobSpec body)
//   DELETE /v1/jobs/{id}         cancel a job
//   POST   /v1/directives        propose an adaptive directive
//   GET    /v1/status            per-server CBS view
//   GET    /v1/utilization       reserved utilization in ppm
//   GET    /metrics              Prometheus scrape endpoint
//
// Error mapping:
//   Admission and validation failures map to 422, unknown resources to
//   404, rate-limited directives to 429, everything else to 500. The error
//   string is returned in a JSON envelope for operator tooling.
//
// ============================================================================

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/falcon-sched/internal/admission"
	"github.com/ChuLiYu/falcon-sched/internal/gate"
	"github.com/ChuLiYu/falcon-sched/internal/kernel"
	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

var log = slog.Default()

// Server routes control-plane requests to the kernel.
type Server struct {
	kernel *kernel.Kernel
	mux    *http.ServeMux
}

// New creates a control-plane server over the given kernel.
func New(k *kernel.Kernel) *Server {
	s := &Server{kernel: k, mux: http.NewServeMux()}
	s.mux.HandleFunc("/v1/jobs", s.handleJobs)
	s.mux.HandleFunc("/v1/jobs/", s.handleJobByID)
	s.mux.HandleFunc("/v1/directives", s.handleDirectives)
	s.mux.HandleFunc("/v1/status", s.handleStatus)
	s.mux.HandleFunc("/v1/utilization", s.handleUtilization)
	s.mux.Handle("/metrics", promhttp.Handler())
	return s
}

// Handler returns the root HTTP handler, exposed for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe blocks serving the control plane on addr.
func (s *Server) ListenAndServe(addr string) error {
	log.Info("control plane listening", "addr", addr)
	return http.ListenAndServe(addr, s.mux)
}

type errorEnvelope struct {
	Error string `json:"error"`
}

type submitResponse struct {
	JobID   types.JobID   `json:"job_id"`
	ClassID types.ClassID `json:"class_id"`
}

type utilizationResponse struct {
	UtilizationPPM uint32 `json:"utilization_ppm"`
	MissCount      uint64 `json:"miss_count"`
	RateLimited    uint64 `json:"rate_limited"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	var spec types.JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	handle, err := s.kernel.SubmitJob(spec)
	if err != nil {
		writeError(w, submitStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{JobID: handle.JobID, ClassID: handle.ClassID})
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	jobID := types.JobID(id)

	switch r.Method {
	case http.MethodDelete:
		if err := s.kernel.CancelJob(jobID); err != nil {
			writeError(w, jobStatus(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodGet:
		state, err := s.kernel.JobState(jobID)
		if err != nil {
			writeError(w, jobStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]types.JobState{"state": state})

	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func (s *Server) handleDirectives(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	var d types.Directive
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.kernel.ProposeDirective(d); err != nil {
		writeError(w, directiveStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, s.kernel.Status())
}

func (s *Server) handleUtilization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, utilizationResponse{
		UtilizationPPM: s.kernel.CurrentUtilizationPPM(),
		MissCount:      s.kernel.MissCount(),
		RateLimited:    s.kernel.RateLimitedCount(),
	})
}

// submitStatus maps submission errors to HTTP codes.
func submitStatus(err error) int {
	switch {
	case errors.Is(err, admission.ErrUtilizationExceeded),
		errors.Is(err, admission.ErrInvalidParameters),
		errors.Is(err, admission.ErrAlreadyAdmitted),
		errors.Is(err, admission.ErrTableFull):
		return http.StatusUnprocessableEntity
	case errors.Is(err, kernel.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func jobStatus(err error) int {
	if errors.Is(err, kernel.ErrUnknownJob) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func directiveStatus(err error) int {
	switch {
	case errors.Is(err, gate.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gate.ErrUnknownTarget):
		return http.StatusNotFound
	case errors.Is(err, gate.ErrInvalidAction),
		errors.Is(err, admission.ErrUtilizationExceeded),
		errors.Is(err, admission.ErrInvalidParameters):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorEnvelope{Error: err.Error()})
}
