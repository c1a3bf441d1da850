package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/supakiln/engine/internal/store"
)

type serviceRequest struct {
	Name          string   `json:"name"`
	Code          string   `json:"code"`
	Packages      []string `json:"packages"`
	RestartPolicy string   `json:"restart_policy"`
	Description   string   `json:"description"`
	AutoStart     *bool    `json:"auto_start"`
	IsActive      *bool    `json:"is_active"`
}

type serviceResponse struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	Code          string     `json:"code"`
	ContainerID   string     `json:"container_id,omitempty"`
	Packages      []string   `json:"packages"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	LastRestart   *time.Time `json:"last_restart,omitempty"`
	IsActive      bool       `json:"is_active"`
	Status        string     `json:"status"`
	RestartPolicy string     `json:"restart_policy"`
	Description   string     `json:"description,omitempty"`
	AutoStart     bool       `json:"auto_start"`
}

func toServiceResponse(svc *store.PersistentService) serviceResponse {
	return serviceResponse{
		ID:            svc.ID,
		Name:          svc.Name,
		Code:          svc.Code,
		ContainerID:   svc.ContainerID,
		Packages:      svc.Packages,
		CreatedAt:     svc.CreatedAt,
		StartedAt:     svc.StartedAt,
		LastRestart:   svc.LastRestart,
		IsActive:      svc.IsActive,
		Status:        string(svc.Status),
		RestartPolicy: string(svc.RestartPolicy),
		Description:   svc.Description,
		AutoStart:     svc.AutoStart,
	}
}

func validRestartPolicy(p string) bool {
	switch store.RestartPolicy(p) {
	case store.RestartAlways, store.RestartNever, store.RestartOnFailure, "":
		return true
	}
	return false
}

// handleCreateService registers a persistent service.
// POST /services
func (s *Server) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var req serviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Code) == "" {
		s.writeError(w, http.StatusBadRequest, "name and code are required")
		return
	}
	if !validRestartPolicy(req.RestartPolicy) {
		s.writeError(w, http.StatusBadRequest, "restart_policy must be always, never, or on-failure")
		return
	}

	active, autoStart := true, true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	if req.AutoStart != nil {
		autoStart = *req.AutoStart
	}
	svc := &store.PersistentService{
		Name:          req.Name,
		Code:          req.Code,
		Packages:      req.Packages,
		RestartPolicy: store.RestartPolicy(req.RestartPolicy),
		Description:   req.Description,
		IsActive:      active,
		AutoStart:     autoStart,
	}
	if err := s.deps.ServiceRepo.Create(svc); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toServiceResponse(svc))
}

// handleListServices returns all services.
// GET /services
func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.ServiceRepo.List()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]serviceResponse, 0, len(list))
	for _, svc := range list {
		out = append(out, toServiceResponse(svc))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleGetService returns one service.
// GET /services/{id}
func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid service id")
		return
	}
	svc, err := s.deps.ServiceRepo.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toServiceResponse(svc))
}

// handleUpdateService rewrites a service definition. A running service keeps
// its current process until restarted.
// PUT /services/{id}
func (s *Server) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid service id")
		return
	}
	var req serviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !validRestartPolicy(req.RestartPolicy) {
		s.writeError(w, http.StatusBadRequest, "restart_policy must be always, never, or on-failure")
		return
	}

	svc, err := s.deps.ServiceRepo.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if req.Name != "" {
		svc.Name = req.Name
	}
	if req.Code != "" {
		svc.Code = req.Code
	}
	if req.Packages != nil {
		svc.Packages = req.Packages
	}
	if req.RestartPolicy != "" {
		svc.RestartPolicy = store.RestartPolicy(req.RestartPolicy)
	}
	if req.Description != "" {
		svc.Description = req.Description
	}
	if req.IsActive != nil {
		svc.IsActive = *req.IsActive
	}
	if req.AutoStart != nil {
		svc.AutoStart = *req.AutoStart
	}

	if err := s.deps.ServiceRepo.Update(svc); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toServiceResponse(svc))
}

// handleDeleteService stops and removes a service.
// DELETE /services/{id}
func (s *Server) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid service id")
		return
	}
	if err := s.deps.Services.Stop(r.Context(), id); err != nil {
		s.log.Warn().Err(err).Int64("service_id", id).Msg("Stop before delete failed")
	}
	if err := s.deps.ServiceRepo.Delete(id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleStartService starts a service.
// POST /services/{id}/start
func (s *Server) handleStartService(w http.ResponseWriter, r *http.Request) {
	s.serviceAction(w, r, s.deps.Services.Start)
}

// handleStopService stops a service.
// POST /services/{id}/stop
func (s *Server) handleStopService(w http.ResponseWriter, r *http.Request) {
	s.serviceAction(w, r, s.deps.Services.Stop)
}

// handleRestartService restarts a service.
// POST /services/{id}/restart
func (s *Server) handleRestartService(w http.ResponseWriter, r *http.Request) {
	s.serviceAction(w, r, s.deps.Services.Restart)
}

func (s *Server) serviceAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id int64) error) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid service id")
		return
	}
	if err := action(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	svc, err := s.deps.ServiceRepo.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toServiceResponse(svc))
}

// handleServiceLogs returns the tail of a service's output.
// GET /services/{id}/logs
func (s *Server) handleServiceLogs(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid service id")
		return
	}
	logs, err := s.deps.Services.Logs(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}
