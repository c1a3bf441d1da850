package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleListProxyRoutes lists running web services and their URLs.
// GET /proxy
func (s *Server) handleListProxyRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.deps.Proxy.Routes()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(routes))
	for _, route := range routes {
		out = append(out, map[string]interface{}{
			"proxy_path":    route.ProxyPath,
			"proxy_url":     s.deps.Config.BackendURL + route.ProxyPath,
			"container_id":  route.ContainerID,
			"service_name":  route.ServiceName,
			"service_type":  route.ServiceType,
			"internal_port": route.InternalPort,
			"external_port": route.ExternalPort,
			"created_at":    route.CreatedAt,
			"last_accessed": route.LastAccessed,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleProxy forwards traffic to the web service behind a proxy path.
// ANY /proxy/{proxyID}/*
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	s.deps.Proxy.ServeRoute(w, r, chi.URLParam(r, "proxyID"))
}
