package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/supakiln/engine/internal/store"
)

type logResponse struct {
	ID            int64                  `json:"id"`
	JobID         *int64                 `json:"job_id,omitempty"`
	WebhookJobID  *int64                 `json:"webhook_job_id,omitempty"`
	ServiceID     *int64                 `json:"service_id,omitempty"`
	Code          string                 `json:"code"`
	Output        string                 `json:"output,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ContainerID   string                 `json:"container_id,omitempty"`
	ExecutionTime float64                `json:"execution_time"`
	StartedAt     time.Time              `json:"started_at"`
	Status        string                 `json:"status"`
	RequestData   string                 `json:"request_data,omitempty"`
	ResponseData  string                 `json:"response_data,omitempty"`
	Metrics       *store.ResourceMetrics `json:"metrics,omitempty"`
}

func toLogResponse(entry *store.ExecutionLog) logResponse {
	out := logResponse{
		ID:            entry.ID,
		Code:          entry.Code,
		Output:        entry.Output,
		Error:         entry.Error,
		ContainerID:   entry.ContainerID,
		ExecutionTime: entry.ExecutionTime,
		StartedAt:     entry.StartedAt,
		Status:        entry.Status,
		RequestData:   entry.RequestData,
		ResponseData:  entry.ResponseData,
		Metrics:       entry.Metrics,
	}
	id := entry.Parent.ID
	switch entry.Parent.Kind {
	case store.ParentScheduled:
		out.JobID = &id
	case store.ParentWebhook:
		out.WebhookJobID = &id
	case store.ParentService:
		out.ServiceID = &id
	}
	return out
}

// handleListLogs returns execution logs, newest first.
// GET /logs?job_id=&webhook_job_id=&service_id=&limit=&offset=
func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	filter := store.LogFilter{}

	q := r.URL.Query()
	if v := q.Get("job_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid job_id")
			return
		}
		filter.Parent = store.ScheduledParent(id)
	}
	if v := q.Get("webhook_job_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid webhook_job_id")
			return
		}
		filter.Parent = store.WebhookParent(id)
	}
	if v := q.Get("service_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid service_id")
			return
		}
		filter.Parent = store.ServiceParent(id)
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	entries, err := s.deps.Logs.List(filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]logResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, toLogResponse(entry))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleGetLog returns one execution log.
// GET /logs/{id}
func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid log id")
		return
	}
	entry, err := s.deps.Logs.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toLogResponse(entry))
}
