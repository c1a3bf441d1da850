// Package sandbox manages the hardened containers user code runs in.
// One-shot sandboxes are reused per package set; web sandboxes get a bridge
// network and a published port for their service.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/supakiln/engine/internal/docker"
	"github.com/supakiln/engine/internal/images"
)

// Kind distinguishes the two sandbox flavours.
type Kind string

const (
	KindOneShot Kind = "one-shot"
	KindWeb     Kind = "web"
)

// Resource ceilings for every sandbox. User code gets a predictable, bounded
// slice of the host regardless of what it tries to allocate or spawn.
const (
	memoryLimitBytes = 512 << 20 // 512 MiB
	nanoCPUs         = 500_000_000
	pidsLimit        = 50
	openFilesLimit   = 512
	processesLimit   = 25
	tmpfsOptions     = "rw,noexec,nosuid,size=64m"
	sandboxUser      = "1000:1000"
)

// ErrNotFound is returned when a sandbox id is unknown to the manager.
var ErrNotFound = fmt.Errorf("sandbox not found")

// ErrNameTaken is returned when a requested sandbox name is already in use.
var ErrNameTaken = fmt.Errorf("sandbox name already in use")

// Sandbox describes a managed container.
type Sandbox struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Image        string    `json:"image"`
	Digest       string    `json:"digest"`
	Kind         Kind      `json:"kind"`
	InternalPort int       `json:"internal_port,omitempty"`
	ExternalPort int       `json:"external_port,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Manager owns the sandbox pool.
type Manager struct {
	cli    *client.Client
	images *images.Cache
	log    zerolog.Logger

	mu       sync.Mutex
	reusable map[string]*Sandbox // digest -> shared one-shot sandbox
	all      map[string]*Sandbox // container id -> sandbox
	names    map[string]string   // user name -> container id
}

// NewManager creates a sandbox manager.
func NewManager(cli *client.Client, imageCache *images.Cache, log zerolog.Logger) *Manager {
	return &Manager{
		cli:      cli,
		images:   imageCache,
		log:      log.With().Str("component", "sandbox").Logger(),
		reusable: make(map[string]*Sandbox),
		all:      make(map[string]*Sandbox),
		names:    make(map[string]string),
	}
}

// GetOrCreateReusable returns the shared one-shot sandbox for a package set,
// creating it on first use. A sandbox that died out-of-band is replaced.
func (m *Manager) GetOrCreateReusable(ctx context.Context, packages []string) (*Sandbox, error) {
	digest := images.Digest(packages)

	m.mu.Lock()
	existing := m.reusable[digest]
	m.mu.Unlock()

	if existing != nil && m.isRunning(ctx, existing.ID) {
		return existing, nil
	}
	if existing != nil {
		m.log.Warn().Str("sandbox", existing.ID).Str("digest", digest).Msg("Reusable sandbox died, replacing")
		_ = m.Destroy(ctx, existing.ID)
	}

	sb, err := m.create(ctx, packages, "", KindOneShot, 0, 0)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.reusable[digest] = sb
	m.mu.Unlock()
	return sb, nil
}

// CreateNamed creates a dedicated one-shot sandbox under a user-chosen name.
func (m *Manager) CreateNamed(ctx context.Context, name string, packages []string) (*Sandbox, error) {
	m.mu.Lock()
	if _, taken := m.names[name]; taken {
		m.mu.Unlock()
		return nil, ErrNameTaken
	}
	// Reserve the name before the slow create so a concurrent request
	// with the same name fails fast.
	m.names[name] = ""
	m.mu.Unlock()

	sb, err := m.create(ctx, packages, name, KindOneShot, 0, 0)
	if err != nil {
		m.mu.Lock()
		delete(m.names, name)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.names[name] = sb.ID
	m.mu.Unlock()
	return sb, nil
}

// CreateWeb creates a sandbox on the bridge network with internalPort
// published on externalPort, for a detected web service.
func (m *Manager) CreateWeb(ctx context.Context, packages []string, internalPort, externalPort int) (*Sandbox, error) {
	return m.create(ctx, packages, "", KindWeb, internalPort, externalPort)
}

func (m *Manager) create(ctx context.Context, packages []string, name string, kind Kind, internalPort, externalPort int) (*Sandbox, error) {
	ref, err := m.images.Ensure(ctx, packages)
	if err != nil {
		return nil, err
	}

	cfg := &container.Config{
		Image: ref,
		Cmd:   strslice.StrSlice{"tail", "-f", "/dev/null"},
		User:  sandboxUser,
	}
	hostCfg := hardenedHostConfig(kind)

	if kind == KindWeb && internalPort > 0 {
		port := nat.Port(fmt.Sprintf("%d/tcp", internalPort))
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(externalPort)}},
		}
	}

	containerName := fmt.Sprintf("engine-sandbox-%s", uuid.New().String()[:8])
	created, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}

	if err := m.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = m.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start sandbox: %w", err)
	}

	sb := &Sandbox{
		ID:           created.ID,
		Name:         name,
		Image:        ref,
		Digest:       images.Digest(packages),
		Kind:         kind,
		InternalPort: internalPort,
		ExternalPort: externalPort,
		CreatedAt:    time.Now().UTC(),
	}

	m.mu.Lock()
	m.all[sb.ID] = sb
	m.mu.Unlock()

	m.log.Info().Str("sandbox", sb.ID[:12]).Str("image", ref).Str("kind", string(kind)).Msg("Sandbox started")
	return sb, nil
}

func hardenedHostConfig(kind Kind) *container.HostConfig {
	pids := int64(pidsLimit)
	networkMode := container.NetworkMode("none")
	if kind == KindWeb {
		networkMode = "bridge"
	}
	return &container.HostConfig{
		ReadonlyRootfs: true,
		NetworkMode:    networkMode,
		CapDrop:        strslice.StrSlice{"ALL"},
		CapAdd:         strslice.StrSlice{"SETUID", "SETGID"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Tmpfs: map[string]string{
			"/tmp":     tmpfsOptions,
			"/var/tmp": tmpfsOptions,
		},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			NanoCPUs:  nanoCPUs,
			PidsLimit: &pids,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: openFilesLimit, Hard: openFilesLimit},
				{Name: "nproc", Soft: processesLimit, Hard: processesLimit},
			},
		},
	}
}

// Get returns a sandbox by container id or user name.
func (m *Manager) Get(id string) (*Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.all[id]; ok {
		return sb, nil
	}
	if cid, ok := m.names[id]; ok && cid != "" {
		if sb, ok := m.all[cid]; ok {
			return sb, nil
		}
	}
	return nil, ErrNotFound
}

// List returns all managed sandboxes.
func (m *Manager) List() []*Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Sandbox, 0, len(m.all))
	for _, sb := range m.all {
		out = append(out, sb)
	}
	return out
}

// Destroy stops and removes a sandbox. Destroying an already-gone sandbox is
// not an error.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	sb, tracked := m.all[id]
	if !tracked {
		if cid, ok := m.names[id]; ok && cid != "" {
			sb, tracked = m.all[cid]
			id = cid
		}
	}
	if tracked {
		delete(m.all, id)
		if sb.Name != "" {
			delete(m.names, sb.Name)
		}
		if m.reusable[sb.Digest] != nil && m.reusable[sb.Digest].ID == id {
			delete(m.reusable, sb.Digest)
		}
	}
	m.mu.Unlock()

	timeout := 5
	_ = m.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if err := m.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove sandbox %s: %w", id, err)
	}
	m.log.Info().Str("sandbox", shortID(id)).Msg("Sandbox destroyed")
	return nil
}

// CleanupAll tears down every managed sandbox. Used on shutdown.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.all))
	for id := range m.all {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Destroy(ctx, id); err != nil {
			m.log.Warn().Err(err).Str("sandbox", shortID(id)).Msg("Failed to clean up sandbox")
		}
	}
}

// Running reports whether a sandbox's container is up. Accepts an id or name.
func (m *Manager) Running(ctx context.Context, id string) bool {
	sb, err := m.Get(id)
	if err != nil {
		return false
	}
	return m.isRunning(ctx, sb.ID)
}

// ReadLastCode returns the newest uploaded code file in a sandbox, or "" when
// none is readable. Best effort, for inspection surfaces only.
func (m *Manager) ReadLastCode(ctx context.Context, id string) (string, error) {
	sb, err := m.Get(id)
	if err != nil {
		return "", err
	}
	stdout, _, exitCode, err := docker.ExecRun(ctx, m.cli, sb.ID,
		[]string{"sh", "-c", "ls -t /tmp/code_*.py 2>/dev/null | head -n 1 | xargs -r cat"}, nil)
	if err != nil || exitCode != 0 {
		return "", nil
	}
	return stdout, nil
}

// Logs returns the tail of a sandbox's container log.
func (m *Manager) Logs(ctx context.Context, id string, tail int) (string, error) {
	sb, err := m.Get(id)
	if err != nil {
		return "", err
	}
	rc, err := m.cli.ContainerLogs(ctx, sb.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read sandbox logs: %w", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", fmt.Errorf("failed to demux sandbox logs: %w", err)
	}
	return buf.String(), nil
}

func (m *Manager) isRunning(ctx context.Context, id string) bool {
	info, err := m.cli.ContainerInspect(ctx, id)
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
