package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/supakiln/engine/internal/store"
)

type webhookJobRequest struct {
	Name        string   `json:"name"`
	Endpoint    string   `json:"endpoint"`
	Code        string   `json:"code"`
	ContainerID string   `json:"container_id"`
	Packages    []string `json:"packages"`
	IsActive    *bool    `json:"is_active"`
	Timeout     *int     `json:"timeout"`
	Description string   `json:"description"`
}

type webhookJobResponse struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	Endpoint      string     `json:"endpoint"`
	Code          string     `json:"code"`
	ContainerID   string     `json:"container_id,omitempty"`
	Packages      []string   `json:"packages"`
	CreatedAt     time.Time  `json:"created_at"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`
	IsActive      bool       `json:"is_active"`
	Timeout       int        `json:"timeout"`
	Description   string     `json:"description,omitempty"`
	URL           string     `json:"url"`
}

func (s *Server) toWebhookJobResponse(job *store.WebhookJob) webhookJobResponse {
	return webhookJobResponse{
		ID:            job.ID,
		Name:          job.Name,
		Endpoint:      job.Endpoint,
		Code:          job.Code,
		ContainerID:   job.ContainerID,
		Packages:      job.Packages,
		CreatedAt:     job.CreatedAt,
		LastTriggered: job.LastTriggered,
		IsActive:      job.IsActive,
		Timeout:       job.Timeout,
		Description:   job.Description,
		URL:           s.deps.Config.BackendURL + "/webhook" + job.Endpoint,
	}
}

func (req *webhookJobRequest) validate() string {
	if strings.TrimSpace(req.Name) == "" {
		return "name is required"
	}
	if strings.TrimSpace(req.Endpoint) == "" {
		return "endpoint is required"
	}
	if strings.TrimSpace(req.Code) == "" {
		return "code is required"
	}
	return ""
}

// handleCreateWebhookJob creates a webhook job.
// POST /webhook-jobs
func (s *Server) handleCreateWebhookJob(w http.ResponseWriter, r *http.Request) {
	var req webhookJobRequest
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
	job := &store.WebhookJob{
		Name:        req.Name,
		Endpoint:    req.Endpoint,
		Code:        req.Code,
		ContainerID: req.ContainerID,
		Packages:    req.Packages,
		IsActive:    active,
		Description: req.Description,
	}
	if req.Timeout != nil {
		job.Timeout = *req.Timeout
	}
	if err := s.deps.WebhookJobs.Create(job); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, s.toWebhookJobResponse(job))
}

// handleListWebhookJobs returns all webhook jobs.
// GET /webhook-jobs
func (s *Server) handleListWebhookJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.WebhookJobs.List()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]webhookJobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, s.toWebhookJobResponse(job))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleGetWebhookJob returns one webhook job.
// GET /webhook-jobs/{id}
func (s *Server) handleGetWebhookJob(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid webhook job id")
		return
	}
	job, err := s.deps.WebhookJobs.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.toWebhookJobResponse(job))
}

// handleUpdateWebhookJob rewrites a webhook job.
// PUT /webhook-jobs/{id}
func (s *Server) handleUpdateWebhookJob(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid webhook job id")
		return
	}
	var req webhookJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg := req.validate(); msg != "" {
		s.writeError(w, http.StatusBadRequest, msg)
		return
	}

	job, err := s.deps.WebhookJobs.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	job.Name = req.Name
	job.Endpoint = req.Endpoint
	job.Code = req.Code
	job.ContainerID = req.ContainerID
	job.Packages = req.Packages
	job.Description = req.Description
	if req.IsActive != nil {
		job.IsActive = *req.IsActive
	}
	if req.Timeout != nil {
		job.Timeout = *req.Timeout
	}

	if err := s.deps.WebhookJobs.Update(job); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.toWebhookJobResponse(job))
}

// handleDeleteWebhookJob removes a webhook job.
// DELETE /webhook-jobs/{id}
func (s *Server) handleDeleteWebhookJob(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid webhook job id")
		return
	}
	if err := s.deps.WebhookJobs.Delete(id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleWebhookInvoke runs the job registered at the called endpoint.
// ANY /webhook/*
func (s *Server) handleWebhookInvoke(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimPrefix(r.URL.Path, "/webhook")
	s.deps.Webhooks.Handle(w, r, endpoint)
}
