package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type setEnvRequest struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Description string `json:"description"`
}

// handleListEnv returns secret names. Values are never listed.
// GET /env
func (s *Server) handleListEnv(w http.ResponseWriter, r *http.Request) {
	names, err := s.deps.Vault.ListNames()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	s.writeJSON(w, http.StatusOK, names)
}

// handleGetEnv returns one secret's plaintext value. This is the only
// endpoint that decrypts on behalf of a caller.
// GET /env/{name}
func (s *Server) handleGetEnv(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	value, err := s.deps.Vault.Get(name)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"name": name, "value": value})
}

// handleListEnvMetadata returns all secrets' metadata, values excluded.
// GET /env/metadata
func (s *Server) handleListEnvMetadata(w http.ResponseWriter, r *http.Request) {
	metas, err := s.deps.Vault.ListMetadata()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, metas)
}

// handleGetEnvMetadata returns one secret's metadata.
// GET /env/metadata/{name}
func (s *Server) handleGetEnvMetadata(w http.ResponseWriter, r *http.Request) {
	meta, err := s.deps.Vault.GetMetadata(chi.URLParam(r, "name"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, meta)
}

// handleSetEnv creates or replaces a secret.
// POST /env
func (s *Server) handleSetEnv(w http.ResponseWriter, r *http.Request) {
	var req setEnvRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.deps.Vault.Set(req.Name, req.Value, req.Description); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name, "status": "stored"})
}

// handleDeleteEnv removes a secret.
// DELETE /env/{name}
func (s *Server) handleDeleteEnv(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.deps.Vault.Delete(name); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
