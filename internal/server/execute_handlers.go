package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/supakiln/engine/internal/executor"
	"github.com/supakiln/engine/internal/store"
	"github.com/supakiln/engine/internal/webservice"
)

type executeRequest struct {
	Code        string            `json:"code"`
	Packages    []string          `json:"packages"`
	Timeout     int               `json:"timeout"`
	ContainerID string            `json:"container_id"`
	Env         map[string]string `json:"env"`
	ServiceName string            `json:"service_name"`
	JobID       *int64            `json:"job_id"`
}

// handleExecute runs code and returns the result. Code that starts a web
// framework is launched as a service instead, and the response carries the
// URL it is reachable at.
// POST /execute
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// A job_id without code runs that scheduled job's code out of band.
	if req.Code == "" && req.JobID != nil {
		job, err := s.deps.Jobs.Get(*req.JobID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		req.Code = job.Code
		if len(req.Packages) == 0 {
			req.Packages = job.Packages
		}
		if req.Timeout == 0 {
			req.Timeout = job.Timeout
		}
		if req.ContainerID == "" {
			req.ContainerID = job.ContainerID
		}
	}

	if _, isWeb := webservice.Detect(req.Code, req.Packages); isWeb {
		running, err := s.deps.WebRunner.Start(r.Context(), req.Code, req.Packages, req.ServiceName)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":       true,
			"service":       true,
			"framework":     running.Framework,
			"container_id":  running.Sandbox.ID,
			"proxy_path":    running.ProxyPath,
			"proxy_url":     s.deps.Config.BackendURL + running.ProxyPath,
			"external_port": running.ExternalPort,
		})
		return
	}

	startedAt := time.Now().UTC()
	result, err := s.deps.Engine.Execute(r.Context(), executor.Request{
		Code:      req.Code,
		Packages:  req.Packages,
		Timeout:   req.Timeout,
		SandboxID: req.ContainerID,
		Env:       req.Env,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.recordExecution(req, result, startedAt)
	s.writeJSON(w, http.StatusOK, result)
}

// recordExecution appends the execution log row for an ad-hoc run. A job_id,
// when given, links the row to its scheduled job.
func (s *Server) recordExecution(req executeRequest, result *executor.Result, startedAt time.Time) {
	entry := &store.ExecutionLog{
		Code:          req.Code,
		Output:        result.Output,
		Error:         result.Error,
		ContainerID:   result.SandboxID,
		ExecutionTime: result.ExecutionTime,
		StartedAt:     startedAt,
		Metrics:       result.Metrics,
	}
	if req.JobID != nil {
		entry.Parent = store.ScheduledParent(*req.JobID)
	}
	switch {
	case result.TimedOut:
		entry.Status = "timeout"
	case result.Success:
		entry.Status = "success"
	default:
		entry.Status = "error"
	}
	if err := s.deps.Logs.Insert(entry); err != nil {
		s.log.Error().Err(err).Msg("Failed to record execution log")
	}
}
