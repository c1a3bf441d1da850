// Package services supervises persistent services: long-lived user code kept
// running in dedicated sandboxes under a restart policy.
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/supakiln/engine/internal/docker"
	"github.com/supakiln/engine/internal/sandbox"
	"github.com/supakiln/engine/internal/store"
	"github.com/supakiln/engine/internal/vault"
	"github.com/supakiln/engine/internal/webservice"
)

const (
	serviceFile = "/tmp/service.py"

	monitorInterval = 5 * time.Second
	restartCooldown = 5 * time.Second
)

// ErrAlreadyRunning is returned when starting a service that is not stopped.
var ErrAlreadyRunning = fmt.Errorf("service is already running")

// Supervisor starts, stops, and monitors persistent services.
type Supervisor struct {
	repo      *store.ServiceRepo
	logs      *store.ExecutionLogRepo
	sandboxes *sandbox.Manager
	web       *webservice.Runner
	cli       *client.Client
	secrets   *vault.Vault
	log       zerolog.Logger

	mu       sync.Mutex
	monitors map[int64]context.CancelFunc
}

// NewSupervisor creates a service supervisor.
func NewSupervisor(repo *store.ServiceRepo, logs *store.ExecutionLogRepo, sandboxes *sandbox.Manager, web *webservice.Runner, cli *client.Client, secrets *vault.Vault, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		repo:      repo,
		logs:      logs,
		sandboxes: sandboxes,
		web:       web,
		cli:       cli,
		secrets:   secrets,
		log:       log.With().Str("component", "services").Logger(),
		monitors:  make(map[int64]context.CancelFunc),
	}
}

// Start brings a service from stopped to running and begins monitoring it.
// Web framework code is delegated to the web service runner; plain code runs
// as a detached process in a dedicated sandbox.
func (s *Supervisor) Start(ctx context.Context, id int64) error {
	svc, err := s.repo.Get(id)
	if err != nil {
		return err
	}
	if svc.Status == store.ServiceRunning || svc.Status == store.ServiceStarting {
		return ErrAlreadyRunning
	}

	if err := s.repo.SetStatus(id, store.ServiceStarting); err != nil {
		return err
	}

	execID, containerID, err := s.launch(ctx, svc)
	if err != nil {
		_ = s.repo.SetStopped(id, store.ServiceError)
		s.recordExit(svc, "error", err.Error())
		return err
	}

	startedAt := time.Now().UTC()
	if err := s.repo.SetRunning(id, execID, containerID, startedAt); err != nil {
		return err
	}
	s.monitor(id, execID, containerID)

	s.log.Info().Int64("service_id", id).Str("name", svc.Name).Msg("Service started")
	return nil
}

func (s *Supervisor) launch(ctx context.Context, svc *store.PersistentService) (execID, containerID string, err error) {
	if _, isWeb := webservice.Detect(svc.Code, svc.Packages); isWeb {
		running, err := s.web.Start(ctx, svc.Code, svc.Packages, svc.Name)
		if err != nil {
			return "", "", err
		}
		return running.ExecID, running.Sandbox.ID, nil
	}

	sb, err := s.sandboxes.CreateNamed(ctx, "svc-"+svc.Name+"-"+uuid.New().String()[:8], svc.Packages)
	if err != nil {
		return "", "", err
	}

	if err := docker.WriteContainerFile(ctx, s.cli, sb.ID, serviceFile, svc.Code); err != nil {
		_ = s.sandboxes.Destroy(ctx, sb.ID)
		return "", "", err
	}

	env, err := s.buildEnv()
	if err != nil {
		_ = s.sandboxes.Destroy(ctx, sb.ID)
		return "", "", err
	}

	cmd := []string{"sh", "-c", "python3 " + serviceFile + " > " + webservice.ServiceLogFile + " 2>&1"}
	execID, err = docker.ExecDetached(ctx, s.cli, sb.ID, cmd, env)
	if err != nil {
		_ = s.sandboxes.Destroy(ctx, sb.ID)
		return "", "", err
	}
	return execID, sb.ID, nil
}

// Stop halts a running service and its monitor. Stopping a stopped service is
// a no-op.
func (s *Supervisor) Stop(ctx context.Context, id int64) error {
	svc, err := s.repo.Get(id)
	if err != nil {
		return err
	}

	s.cancelMonitor(id)
	s.teardown(ctx, svc)
	return s.repo.SetStopped(id, store.ServiceStopped)
}

// Restart stops then starts a service.
func (s *Supervisor) Restart(ctx context.Context, id int64) error {
	if err := s.Stop(ctx, id); err != nil {
		return err
	}
	if err := s.repo.TouchLastRestart(id, time.Now().UTC()); err != nil {
		s.log.Warn().Err(err).Int64("service_id", id).Msg("Failed to record restart time")
	}
	return s.Start(ctx, id)
}

// Logs returns the tail of a service's output.
func (s *Supervisor) Logs(ctx context.Context, id int64) (string, error) {
	svc, err := s.repo.Get(id)
	if err != nil {
		return "", err
	}
	if svc.ContainerID == "" {
		return "Service is stopped", nil
	}
	return s.web.ServiceLog(ctx, svc.ContainerID)
}

// AutoStartAll starts every auto-start service. One service failing to come
// up does not stop the others.
func (s *Supervisor) AutoStartAll(ctx context.Context) {
	services, err := s.repo.ListAutoStart()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load auto-start services")
		return
	}
	for _, svc := range services {
		// Stale runtime state from a previous process is meaningless now.
		if svc.Status != store.ServiceStopped {
			_ = s.repo.SetStopped(svc.ID, store.ServiceStopped)
		}
		if err := s.Start(ctx, svc.ID); err != nil {
			s.log.Error().Err(err).Int64("service_id", svc.ID).Str("name", svc.Name).
				Msg("Auto-start failed")
		}
	}
}

// StopAll stops every running service. Used on shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	services, err := s.repo.List()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load services for shutdown")
		return
	}
	for _, svc := range services {
		if svc.Status == store.ServiceRunning || svc.Status == store.ServiceStarting {
			if err := s.Stop(ctx, svc.ID); err != nil {
				s.log.Warn().Err(err).Int64("service_id", svc.ID).Msg("Failed to stop service")
			}
		}
	}
}

// monitor watches a detached service process and applies the restart policy
// when it exits on its own.
func (s *Supervisor) monitor(id int64, execID, containerID string) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if prev, ok := s.monitors[id]; ok {
		prev()
	}
	s.monitors[id] = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(monitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			running, exitCode, err := docker.ExecAlive(ctx, s.cli, execID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn().Err(err).Int64("service_id", id).Msg("Service liveness check failed")
				continue
			}
			if running {
				continue
			}

			s.cancelMonitor(id)
			s.handleExit(id, containerID, exitCode)
			return
		}
	}()
}

func (s *Supervisor) handleExit(id int64, containerID string, exitCode int) {
	svc, err := s.repo.Get(id)
	if err != nil {
		return
	}

	status := "error"
	if exitCode == 0 {
		status = "success"
	}
	s.recordExit(svc, status, fmt.Sprintf("service process exited with code %d", exitCode))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.teardown(ctx, svc)

	if !shouldRestart(svc.RestartPolicy, exitCode, svc.IsActive) {
		final := store.ServiceStopped
		if exitCode != 0 {
			final = store.ServiceError
		}
		_ = s.repo.SetStopped(id, final)
		s.log.Info().Int64("service_id", id).Int("exit_code", exitCode).Msg("Service exited")
		return
	}

	s.log.Info().Int64("service_id", id).Int("exit_code", exitCode).Msg("Service exited, restarting")
	_ = s.repo.SetStatus(id, store.ServiceRestarting)
	_ = s.repo.TouchLastRestart(id, time.Now().UTC())
	time.Sleep(restartCooldown)

	_ = s.repo.SetStopped(id, store.ServiceStopped)
	if err := s.Start(ctx, id); err != nil {
		s.log.Error().Err(err).Int64("service_id", id).Msg("Service restart failed")
	}
}

// shouldRestart decides whether a naturally-exited service comes back.
// Deactivated services never restart, whatever their policy says.
func shouldRestart(policy store.RestartPolicy, exitCode int, active bool) bool {
	if !active {
		return false
	}
	switch policy {
	case store.RestartAlways:
		return true
	case store.RestartOnFailure:
		return exitCode != 0
	default:
		return false
	}
}

// teardown releases a service's sandbox. Web services also release their
// proxy route and port.
func (s *Supervisor) teardown(ctx context.Context, svc *store.PersistentService) {
	if svc.ContainerID == "" {
		return
	}
	if sb, err := s.sandboxes.Get(svc.ContainerID); err == nil && sb.Kind == sandbox.KindWeb {
		if err := s.web.Stop(ctx, sb); err != nil {
			s.log.Warn().Err(err).Int64("service_id", svc.ID).Msg("Failed to stop web service")
		}
		return
	}
	if err := s.sandboxes.Destroy(ctx, svc.ContainerID); err != nil {
		s.log.Warn().Err(err).Int64("service_id", svc.ID).Msg("Failed to destroy service sandbox")
	}
}

func (s *Supervisor) cancelMonitor(id int64) {
	s.mu.Lock()
	if cancel, ok := s.monitors[id]; ok {
		cancel()
		delete(s.monitors, id)
	}
	s.mu.Unlock()
}

func (s *Supervisor) recordExit(svc *store.PersistentService, status, message string) {
	entry := &store.ExecutionLog{
		Parent:      store.ServiceParent(svc.ID),
		Code:        svc.Code,
		Status:      status,
		Error:       message,
		ContainerID: svc.ContainerID,
	}
	if status == "success" {
		entry.Error = ""
		entry.Output = message
	}
	if err := s.logs.Insert(entry); err != nil {
		s.log.Error().Err(err).Int64("service_id", svc.ID).Msg("Failed to record service log")
	}
}

func (s *Supervisor) buildEnv() ([]string, error) {
	if s.secrets == nil {
		return nil, nil
	}
	stored, err := s.secrets.AllDecrypted()
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}
	env := make([]string, 0, len(stored))
	for k, v := range stored {
		env = append(env, k+"="+v)
	}
	return env, nil
}
