package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/supakiln/engine/internal/sandbox"
)

type createContainerRequest struct {
	Name     string   `json:"name"`
	Packages []string `json:"packages"`
}

// handleListContainers returns all managed sandboxes.
// GET /containers
func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Sandboxes.List())
}

// handleCreateContainer creates a dedicated named sandbox.
// POST /containers
func (s *Server) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	var req createContainerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	sb, err := s.deps.Sandboxes.CreateNamed(r.Context(), req.Name, req.Packages)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sb)
}

// handleGetContainer returns one sandbox, with the code it last ran when the
// file is still readable.
// GET /containers/{id}
func (s *Server) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	sb, err := s.deps.Sandboxes.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	code, err := s.deps.Sandboxes.ReadLastCode(r.Context(), sb.ID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, containerDetail{Sandbox: sb, LastCode: code})
}

type containerDetail struct {
	*sandbox.Sandbox
	LastCode string `json:"last_code,omitempty"`
}

// handleDeleteAllContainers destroys every managed sandbox.
// DELETE /containers
func (s *Server) handleDeleteAllContainers(w http.ResponseWriter, r *http.Request) {
	s.deps.Sandboxes.CleanupAll(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleDeleteContainer destroys a sandbox by id or name.
// DELETE /containers/{id}
func (s *Server) handleDeleteContainer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Sandboxes.Destroy(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
