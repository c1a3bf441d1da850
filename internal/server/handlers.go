package server

import (
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/supakiln/engine/internal/database"
	"github.com/supakiln/engine/internal/executor"
	"github.com/supakiln/engine/internal/sandbox"
	"github.com/supakiln/engine/internal/scheduler"
	"github.com/supakiln/engine/internal/store"
	"github.com/supakiln/engine/internal/vault"
	"github.com/supakiln/engine/internal/webservice"
)

var startedAt = time.Now()

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":         "healthy",
		"service":        "engine",
		"schema_version": database.SchemaVersion,
		"uptime_s":       int(time.Since(startedAt).Seconds()),
		"sandboxes":      len(s.deps.Sandboxes.List()),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		response["memory"] = map[string]interface{}{
			"total_mb":     vm.Total / 1024 / 1024,
			"used_mb":      vm.Used / 1024 / 1024,
			"used_percent": vm.UsedPercent,
		}
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		response["cpu_percent"] = percents[0]
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleSystemStatus handles system status requests
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	response := map[string]interface{}{
		"status": "running",
		"memory": map[string]interface{}{
			"alloc_mb":       m.Alloc / 1024 / 1024,
			"total_alloc_mb": m.TotalAlloc / 1024 / 1024,
			"sys_mb":         m.Sys / 1024 / 1024,
			"num_gc":         m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleBackup triggers an immediate backup.
// POST /system/backup
func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backup == nil {
		s.writeError(w, http.StatusServiceUnavailable, "backups are not configured")
		return
	}
	result, err := s.deps.Backup.Run(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Backup failed")
		s.writeError(w, http.StatusInternalServerError, "backup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleStaticFallback forwards framework asset requests that bypassed the
// proxy prefix; anything else is a plain 404.
func (s *Server) handleStaticFallback(w http.ResponseWriter, r *http.Request) {
	s.deps.Proxy.ServeStatic(w, r)
}

// idParam parses the {id} URL parameter.
func idParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// writeDomainError maps domain errors to HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var badCron *scheduler.ErrBadCronExpr
	var notReady *webservice.ErrServiceNotReady

	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, sandbox.ErrNotFound), errors.Is(err, vault.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict), errors.Is(err, sandbox.ErrNameTaken):
		// Duplicate names and endpoints are caller mistakes, not state races.
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, executor.ErrCodeMissing), errors.Is(err, webservice.ErrNotWebService):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &badCron):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notReady):
		s.log.Warn().Str("log", notReady.Log).Msg("Service failed readiness")
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Error().Err(err).Msg("Request failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
