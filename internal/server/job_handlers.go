package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/supakiln/engine/internal/scheduler"
	"github.com/supakiln/engine/internal/store"
)

type jobRequest struct {
	Name        string   `json:"name"`
	Code        string   `json:"code"`
	CronExpr    string   `json:"cron_expression"`
	ContainerID string   `json:"container_id"`
	Packages    []string `json:"packages"`
	IsActive    *bool    `json:"is_active"`
	Timeout     int      `json:"timeout"`
}

type jobResponse struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Code        string     `json:"code"`
	CronExpr    string     `json:"cron_expression"`
	ContainerID string     `json:"container_id,omitempty"`
	Packages    []string   `json:"packages"`
	CreatedAt   time.Time  `json:"created_at"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	IsActive    bool       `json:"is_active"`
	Timeout     int        `json:"timeout"`
}

func toJobResponse(job *store.ScheduledJob) jobResponse {
	return jobResponse{
		ID:          job.ID,
		Name:        job.Name,
		Code:        job.Code,
		CronExpr:    job.CronExpr,
		ContainerID: job.ContainerID,
		Packages:    job.Packages,
		CreatedAt:   job.CreatedAt,
		LastRun:     job.LastRun,
		IsActive:    job.IsActive,
		Timeout:     job.Timeout,
	}
}

func (req *jobRequest) validate() string {
	if strings.TrimSpace(req.Name) == "" {
		return "name is required"
	}
	if strings.TrimSpace(req.Code) == "" {
		return "code is required"
	}
	if err := scheduler.Validate(req.CronExpr); err != nil {
		return err.Error()
	}
	return ""
}

// handleCreateJob creates a scheduled job.
// POST /jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg := req.validate(); msg != "" {
		s.writeError(w, http.StatusBadRequest, msg)
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	job := &store.ScheduledJob{
		Name:        req.Name,
		Code:        req.Code,
		CronExpr:    req.CronExpr,
		ContainerID: req.ContainerID,
		Packages:    req.Packages,
		IsActive:    active,
		Timeout:     req.Timeout,
	}
	if err := s.deps.Jobs.Create(job); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.reloadScheduler()
	s.writeJSON(w, http.StatusCreated, toJobResponse(job))
}

// handleListJobs returns all scheduled jobs.
// GET /jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Jobs.List()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toJobResponse(job))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleGetJob returns one scheduled job.
// GET /jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.deps.Jobs.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toJobResponse(job))
}

// handleUpdateJob rewrites a scheduled job.
// PUT /jobs/{id}
func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg := req.validate(); msg != "" {
		s.writeError(w, http.StatusBadRequest, msg)
		return
	}

	job, err := s.deps.Jobs.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	job.Name = req.Name
	job.Code = req.Code
	job.CronExpr = req.CronExpr
	job.ContainerID = req.ContainerID
	job.Packages = req.Packages
	if req.IsActive != nil {
		job.IsActive = *req.IsActive
	}
	if req.Timeout > 0 || req.Timeout == -1 {
		job.Timeout = req.Timeout
	}

	if err := s.deps.Jobs.Update(job); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.reloadScheduler()
	s.writeJSON(w, http.StatusOK, toJobResponse(job))
}

// handleDeleteJob removes a scheduled job.
// DELETE /jobs/{id}
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	if err := s.deps.Jobs.Delete(id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.reloadScheduler()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) reloadScheduler() {
	if err := s.deps.Scheduler.Reload(); err != nil {
		s.log.Error().Err(err).Msg("Failed to reload scheduler")
	}
}
