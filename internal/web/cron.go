package web

import (
	"net/http"

	"github.com/myrmex-ai/myrmex/pkg/models"
)

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListCronJobs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.CronJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetCronJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type patchJobRequest struct {
	Schedule    *string `json:"schedule,omitempty"`
	AgentID     *string `json:"agent_id,omitempty"`
	Payload     *string `json:"payload,omitempty"`
	SessionMode *string `json:"session_mode,omitempty"`
	MaxDuration *int    `json:"max_duration_seconds,omitempty"`
	RetryCount  *int    `json:"retry_count,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
}

func (s *Server) handlePatchJob(w http.ResponseWriter, r *http.Request) {
	var req patchJobRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	job, err := s.store.GetCronJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.Schedule != nil {
		job.Schedule = *req.Schedule
	}
	if req.AgentID != nil {
		job.AgentID = *req.AgentID
	}
	if req.Payload != nil {
		job.Payload = *req.Payload
	}
	if req.SessionMode != nil {
		job.SessionMode = models.SessionMode(*req.SessionMode)
	}
	if req.MaxDuration != nil {
		job.MaxDuration = *req.MaxDuration
	}
	if req.RetryCount != nil {
		job.RetryCount = *req.RetryCount
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	if err := s.store.UpsertCronJob(r.Context(), job); err != nil {
		s.writeError(w, err)
		return
	}
	s.reloadScheduler(r)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleEnableJob(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.SetCronJobEnabled(r.Context(), r.PathValue("id"), enabled); err != nil {
			s.writeError(w, err)
			return
		}
		s.reloadScheduler(r)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		jsonError(w, http.StatusServiceUnavailable, "scheduler is not enabled")
		return
	}
	if err := s.scheduler.RunNow(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetCronJob(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	execs, err := s.store.ListExecutions(r.Context(), id, queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if execs == nil {
		execs = []*models.JobExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleReloadJobs(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		jsonError(w, http.StatusServiceUnavailable, "scheduler is not enabled")
		return
	}
	if err := s.scheduler.Reload(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reloadScheduler(r *http.Request) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.Reload(r.Context()); err != nil {
		s.logger.Warn("scheduler reload failed", "error", err)
	}
}
