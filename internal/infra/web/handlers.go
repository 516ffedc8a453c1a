package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/domain/model"
)

// The expected JSON request body for submitting a job.
type jobCreateRequest struct {
	JobID     string    `json:"job_id,omitempty"`
	Source    string    `json:"source"`
	CutPoints []float64 `json:"cut_points,omitempty"`
	Stems     []string  `json:"stems,omitempty"`
	AllStems  bool      `json:"all_stems,omitempty"`
}

func (s *Server) createJobHandler(w http.ResponseWriter, r *http.Request) {
	var req jobCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		http.Error(w, "source is required", http.StatusBadRequest)
		return
	}

	// Jobs submitted before the startup phase finished would fail on
	// their first task anyway; reject them up front.
	if !s.models.Ready() {
		http.Error(w, "models not ready", http.StatusServiceUnavailable)
		return
	}

	job, err := s.engine.Submit(req.JobID, req.Source, model.JobOptions{
		CutPoints: req.CutPoints,
		Stems:     req.Stems,
		AllStems:  req.AllStems,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAlreadyExists):
			http.Error(w, "job already exists", http.StatusConflict)
		case errors.Is(err, domain.ErrQueueFull):
			http.Error(w, "job queue is full", http.StatusTooManyRequests)
		default:
			http.Error(w, "Failed to create job", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, job.Snapshot())
}

func (s *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Registry().Get(chi.URLParam(r, "id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

func (s *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	state := model.State(r.URL.Query().Get("status"))
	switch state {
	case "", model.StateIdle, model.StateRunning, model.StateCompleted, model.StateError:
	default:
		http.Error(w, "unknown status filter", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	infos := s.engine.Registry().List(state, limit)
	response := struct {
		Data  []model.JobInfo `json:"data"`
		Total int             `json:"total"`
	}{
		Data:  infos,
		Total: len(infos),
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) jobResultHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Registry().Get(chi.URLParam(r, "id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if job.State() != model.StateCompleted {
		http.Error(w, "job has no result", http.StatusConflict)
		return
	}

	stem := r.URL.Query().Get("stem")
	artifacts := job.Artifacts()
	if stem == "" {
		if len(artifacts) != 1 {
			http.Error(w, "stem query parameter is required", http.StatusBadRequest)
			return
		}
		for only := range artifacts {
			stem = only
		}
	}

	path, ok := artifacts[stem]
	if !ok {
		http.Error(w, "unknown stem", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) deleteJobHandler(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Registry().Delete(chi.URLParam(r, "id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, domain.ErrNotFound):
		http.NotFound(w, r)
	case errors.Is(err, domain.ErrJobRunning):
		http.Error(w, "job is still running", http.StatusConflict)
	default:
		http.Error(w, "Failed to delete job", http.StatusInternalServerError)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	active, completed := s.engine.Registry().Counts()
	response := struct {
		ModelsReady   bool    `json:"models_ready"`
		Strategy      string  `json:"strategy"`
		ActiveJobs    int     `json:"active_jobs"`
		CompletedJobs int     `json:"completed_jobs"`
		UptimeSeconds float64 `json:"uptime_seconds"`
	}{
		ModelsReady:   s.models.Ready(),
		Strategy:      s.models.Strategy(),
		ActiveJobs:    active,
		CompletedJobs: completed,
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if s.apiKey == "" {
		s.log.Error().Msg("admin API key is not configured")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if req.APIKey != s.apiKey {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	token, err := s.auth.Mint(w)
	if err != nil {
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) logoutHandler(w http.ResponseWriter, _ *http.Request) {
	s.auth.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
