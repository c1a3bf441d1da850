package webservice

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/supakiln/engine/internal/docker"
	"github.com/supakiln/engine/internal/sandbox"
	"github.com/supakiln/engine/internal/store"
	"github.com/supakiln/engine/internal/vault"
)

const (
	readinessDeadline = 10 * time.Second
	readinessInterval = 500 * time.Millisecond
)

// ErrNotWebService is returned when Start is given code with no recognised
// web framework.
var ErrNotWebService = fmt.Errorf("code does not use a supported web framework")

// ErrServiceNotReady is returned when a launched service never opened its port.
type ErrServiceNotReady struct {
	Framework string
	Log       string
}

func (e *ErrServiceNotReady) Error() string {
	return fmt.Sprintf("%s service did not become ready within %s", e.Framework, readinessDeadline)
}

// Running describes a launched web service.
type Running struct {
	Sandbox      *sandbox.Sandbox `json:"sandbox"`
	Framework    string           `json:"framework"`
	ProxyPath    string           `json:"proxy_path"`
	ExternalPort int              `json:"external_port"`
	ExecID       string           `json:"-"`
}

// Runner launches detected web services into web sandboxes and registers
// their proxy routes.
type Runner struct {
	cli       *client.Client
	sandboxes *sandbox.Manager
	ports     *PortAllocator
	routes    *store.ExposedPortRepo
	secrets   *vault.Vault
	log       zerolog.Logger
}

// NewRunner creates a web service runner.
func NewRunner(cli *client.Client, sandboxes *sandbox.Manager, routes *store.ExposedPortRepo, secrets *vault.Vault, log zerolog.Logger) *Runner {
	return &Runner{
		cli:       cli,
		sandboxes: sandboxes,
		ports:     NewPortAllocator(),
		routes:    routes,
		secrets:   secrets,
		log:       log.With().Str("component", "webservice").Logger(),
	}
}

// Start detects the framework in code, launches it in a fresh web sandbox,
// waits for it to accept connections, and registers its proxy route.
func (r *Runner) Start(ctx context.Context, code string, packages []string, serviceName string) (*Running, error) {
	fw, ok := Detect(code, packages)
	if !ok {
		return nil, ErrNotWebService
	}

	externalPort, err := r.ports.Allocate()
	if err != nil {
		return nil, err
	}

	sb, err := r.sandboxes.CreateWeb(ctx, packages, fw.InternalPort, externalPort)
	if err != nil {
		r.ports.Release(externalPort)
		return nil, err
	}

	// The route is addressed by the sandbox's short id.
	proxyPath := "/proxy/" + sb.ID[:8]

	running, err := r.launch(ctx, sb, fw, code, proxyPath)
	if err != nil {
		_ = r.sandboxes.Destroy(ctx, sb.ID)
		r.ports.Release(externalPort)
		return nil, err
	}
	running.ProxyPath = proxyPath
	running.ExternalPort = externalPort

	route := &store.ExposedPort{
		ContainerID:  sb.ID,
		InternalPort: fw.InternalPort,
		ExternalPort: externalPort,
		ServiceName:  serviceName,
		ServiceType:  fw.Name,
		ProxyPath:    proxyPath,
		IsActive:     true,
	}
	if err := r.routes.Create(route); err != nil {
		_ = r.sandboxes.Destroy(ctx, sb.ID)
		r.ports.Release(externalPort)
		return nil, fmt.Errorf("failed to register proxy route: %w", err)
	}

	r.log.Info().
		Str("framework", fw.Name).
		Str("proxy_path", proxyPath).
		Int("external_port", externalPort).
		Msg("Web service started")
	return running, nil
}

func (r *Runner) launch(ctx context.Context, sb *sandbox.Sandbox, fw Framework, code, proxyPath string) (*Running, error) {
	if err := docker.WriteContainerFile(ctx, r.cli, sb.ID, appFile, code); err != nil {
		return nil, err
	}
	if shim, needed := launchShim(fw, proxyPath); needed {
		if err := docker.WriteContainerFile(ctx, r.cli, sb.ID, launchFile, shim); err != nil {
			return nil, err
		}
	}

	env, err := r.buildEnv()
	if err != nil {
		return nil, err
	}

	execID, err := docker.ExecDetached(ctx, r.cli, sb.ID, launchCommand(fw), env)
	if err != nil {
		return nil, err
	}

	if err := r.awaitReady(ctx, sb.ID, execID, fw); err != nil {
		return nil, err
	}

	return &Running{Sandbox: sb, Framework: fw.Name, ExecID: execID}, nil
}

// awaitReady polls until the service process is alive and its port accepts
// connections, or the grace period runs out.
func (r *Runner) awaitReady(ctx context.Context, sandboxID, execID string, fw Framework) error {
	deadline := time.Now().Add(readinessDeadline)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessInterval):
		}

		running, exitCode, err := docker.ExecAlive(ctx, r.cli, execID)
		if err == nil && !running && exitCode != 0 {
			tail, _ := r.ServiceLog(ctx, sandboxID)
			return &ErrServiceNotReady{Framework: fw.Name, Log: tail}
		}

		if r.portOpen(ctx, sandboxID, fw.InternalPort) {
			return nil
		}
	}
	tail, _ := r.ServiceLog(ctx, sandboxID)
	return &ErrServiceNotReady{Framework: fw.Name, Log: tail}
}

func (r *Runner) portOpen(ctx context.Context, sandboxID string, port int) bool {
	probe := fmt.Sprintf(
		`import socket, sys; s = socket.socket(); s.settimeout(1); sys.exit(0 if s.connect_ex(("127.0.0.1", %d)) == 0 else 1)`,
		port,
	)
	_, _, exitCode, err := docker.ExecRun(ctx, r.cli, sandboxID, []string{"python3", "-c", probe}, nil)
	return err == nil && exitCode == 0
}

// Stop tears down a web service: its proxy routes, its sandbox, and its port
// reservation.
func (r *Runner) Stop(ctx context.Context, sb *sandbox.Sandbox) error {
	if err := r.routes.DeleteByContainer(sb.ID); err != nil {
		r.log.Warn().Err(err).Msg("Failed to remove proxy routes")
	}
	if sb.ExternalPort > 0 {
		r.ports.Release(sb.ExternalPort)
	}
	return r.sandboxes.Destroy(ctx, sb.ID)
}

// ServiceLog returns the tail of the service's combined output.
func (r *Runner) ServiceLog(ctx context.Context, sandboxID string) (string, error) {
	stdout, _, exitCode, err := docker.ExecRun(ctx, r.cli, sandboxID, []string{"sh", "-c", "tail -c 65536 " + ServiceLogFile}, nil)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", nil
	}
	return stdout, nil
}

func (r *Runner) buildEnv() ([]string, error) {
	if r.secrets == nil {
		return nil, nil
	}
	stored, err := r.secrets.AllDecrypted()
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}
	env := make([]string, 0, len(stored))
	for k, v := range stored {
		env = append(env, k+"="+v)
	}
	return env, nil
}
