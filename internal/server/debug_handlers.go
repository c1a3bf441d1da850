package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/supakiln/engine/internal/sandbox"
)

type debugContainer struct {
	*sandbox.Sandbox
	Running   bool   `json:"running"`
	ProxyPath string `json:"proxy_path,omitempty"`
}

// handleDebugContainers lists sandboxes with live runtime state and any web
// service route attached to them.
// GET /debug/containers
func (s *Server) handleDebugContainers(w http.ResponseWriter, r *http.Request) {
	byContainer := make(map[string]string)
	if routes, err := s.deps.Proxy.Routes(); err == nil {
		for _, route := range routes {
			byContainer[route.ContainerID] = route.ProxyPath
		}
	}

	sandboxes := s.deps.Sandboxes.List()
	out := make([]debugContainer, 0, len(sandboxes))
	for _, sb := range sandboxes {
		out = append(out, debugContainer{
			Sandbox:   sb,
			Running:   s.deps.Sandboxes.Running(r.Context(), sb.ID),
			ProxyPath: byContainer[sb.ID],
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleDebugContainerLogs returns the tail of a sandbox's container log.
// GET /debug/containers/{id}/logs?limit=N
func (s *Server) handleDebugContainerLogs(w http.ResponseWriter, r *http.Request) {
	tail := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		tail = n
	}

	logs, err := s.deps.Sandboxes.Logs(r.Context(), chi.URLParam(r, "id"), tail)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}
