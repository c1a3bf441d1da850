// Package executor runs user code inside sandboxes and collects its output,
// exit status, and resource consumption.
package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/supakiln/engine/internal/sandbox"
	"github.com/supakiln/engine/internal/store"
	"github.com/supakiln/engine/internal/vault"
)

const (
	// DefaultTimeout bounds an execution when the caller does not set one.
	DefaultTimeout = 30

	// NoTimeout disables the execution deadline entirely.
	NoTimeout = -1

	// maxCaptureBytes caps how much stdout/stderr is retained per stream.
	maxCaptureBytes = 1 << 20

	timeoutMarker = "\n--- Execution timed out after %d seconds ---"
)

// ErrCodeMissing is returned when a request carries no code.
var ErrCodeMissing = fmt.Errorf("code is required")

// Request describes one execution.
type Request struct {
	Code      string
	Packages  []string
	Timeout   int    // Seconds; 0 means DefaultTimeout, NoTimeout disables
	SandboxID string // Optional: run in this sandbox instead of the shared pool
	Env       map[string]string
}

// Result is the outcome of one execution.
type Result struct {
	Success       bool                   `json:"success"`
	Output        string                 `json:"output"`
	Error         string                 `json:"error,omitempty"`
	SandboxID     string                 `json:"container_id"`
	ExecutionTime float64                `json:"execution_time"`
	TimedOut      bool                   `json:"timed_out"`
	ExitCode      int                    `json:"exit_code"`
	Metrics       *store.ResourceMetrics `json:"metrics,omitempty"`
}

// Engine executes code in sandboxes, one execution per sandbox at a time.
type Engine struct {
	cli       *client.Client
	sandboxes *sandbox.Manager
	secrets   *vault.Vault
	log       zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-sandbox serialisation
}

// New creates an execution engine.
func New(cli *client.Client, sandboxes *sandbox.Manager, secrets *vault.Vault, log zerolog.Logger) *Engine {
	return &Engine{
		cli:       cli,
		sandboxes: sandboxes,
		secrets:   secrets,
		log:       log.With().Str("component", "executor").Logger(),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Execute runs the request and returns its result. Executions targeting the
// same sandbox are serialised; distinct sandboxes run concurrently.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, ErrCodeMissing
	}

	sb, err := e.resolveSandbox(ctx, req)
	if err != nil {
		return nil, err
	}

	lock := e.sandboxLock(sb.ID)
	lock.Lock()
	defer lock.Unlock()

	timeout := req.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	env, err := e.buildEnv(req.Env)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	pre := e.snapshotStats(ctx, sb.ID)

	codeFile, err := e.uploadCode(ctx, sb.ID, req.Code)
	if err != nil {
		return nil, err
	}
	defer e.removeCode(sb.ID, codeFile)

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()
	}

	stdout, stderr, exitCode, runErr := e.run(runCtx, sb.ID, codeFile, env)
	elapsed := time.Since(start).Seconds()

	result := &Result{
		Output:        stdout,
		Error:         stderr,
		SandboxID:     sb.ID,
		ExecutionTime: elapsed,
		ExitCode:      exitCode,
	}

	if runErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			e.killPython(sb.ID)
			applyTimeoutMarker(result, timeout)
		} else {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
	}

	result.Success = !result.TimedOut && exitCode == 0
	result.Metrics = e.collectMetrics(sb.ID, pre, result.ExitCode)

	e.log.Info().
		Str("sandbox", shortID(sb.ID)).
		Bool("success", result.Success).
		Bool("timed_out", result.TimedOut).
		Float64("elapsed_s", elapsed).
		Msg("Execution finished")
	return result, nil
}

func (e *Engine) resolveSandbox(ctx context.Context, req Request) (*sandbox.Sandbox, error) {
	if req.SandboxID != "" {
		return e.sandboxes.Get(req.SandboxID)
	}
	return e.sandboxes.GetOrCreateReusable(ctx, req.Packages)
}

func (e *Engine) sandboxLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	return lock
}

// buildEnv merges vault secrets with per-request overrides. Request values win.
func (e *Engine) buildEnv(extra map[string]string) ([]string, error) {
	merged := map[string]string{}
	if e.secrets != nil {
		stored, err := e.secrets.AllDecrypted()
		if err != nil {
			return nil, fmt.Errorf("failed to load secrets: %w", err)
		}
		for k, v := range stored {
			merged[k] = v
		}
	}
	for k, v := range extra {
		merged[k] = v
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env, nil
}

// uploadCode writes the code into the sandbox via a base64 round trip, which
// survives any quoting the code itself contains.
func (e *Engine) uploadCode(ctx context.Context, sandboxID, code string) (string, error) {
	codeFile := fmt.Sprintf("/tmp/code_%s.py", uuid.New().String()[:8])
	encoded := base64.StdEncoding.EncodeToString([]byte(code))
	cmd := fmt.Sprintf("echo '%s' | base64 -d > %s", encoded, codeFile)

	_, _, exitCode, err := e.exec(ctx, sandboxID, []string{"sh", "-c", cmd}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to upload code: %w", err)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("failed to upload code: write exited with %d", exitCode)
	}
	return codeFile, nil
}

func (e *Engine) removeCode(sandboxID, codeFile string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, _, _ = e.exec(ctx, sandboxID, []string{"rm", "-f", codeFile}, nil)
}

func (e *Engine) run(ctx context.Context, sandboxID, codeFile string, env []string) (string, string, int, error) {
	return e.exec(ctx, sandboxID, []string{"python3", codeFile}, env)
}

// exec runs a command inside the sandbox, demultiplexing the attached stream
// into bounded stdout/stderr captures.
func (e *Engine) exec(ctx context.Context, sandboxID string, cmd, env []string) (string, string, int, error) {
	created, err := e.cli.ContainerExecCreate(ctx, sandboxID, types.ExecConfig{
		Cmd:          cmd,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", "", -1, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := e.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return "", "", -1, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	stdout := newBoundedBuffer(maxCaptureBytes)
	stderr := newBoundedBuffer(maxCaptureBytes)

	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copyDone <- err
	}()

	select {
	case err := <-copyDone:
		if err != nil {
			return stdout.String(), stderr.String(), -1, fmt.Errorf("failed to read exec output: %w", err)
		}
	case <-ctx.Done():
		return stdout.String(), stderr.String(), -1, ctx.Err()
	}

	inspect, err := e.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return stdout.String(), stderr.String(), -1, fmt.Errorf("failed to inspect exec: %w", err)
	}
	return stdout.String(), stderr.String(), inspect.ExitCode, nil
}

// applyTimeoutMarker records a deadline expiry. The marker lands at the end of
// whatever the code managed to print; when nothing came out it rides on the
// error so it stays visible.
func applyTimeoutMarker(result *Result, timeout int) {
	result.TimedOut = true
	result.ExitCode = -1
	marker := fmt.Sprintf(timeoutMarker, timeout)
	if result.Output != "" {
		result.Output += marker
		return
	}
	result.Error += marker
}

// killPython terminates whatever the timed-out execution left running.
func (e *Engine) killPython(sandboxID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, _, err := e.exec(ctx, sandboxID, []string{"pkill", "-f", "python"}, nil); err != nil {
		e.log.Warn().Err(err).Str("sandbox", shortID(sandboxID)).Msg("Failed to kill timed-out process")
	}
}

type statsSnapshot struct {
	valid       bool
	cpuUserNs   uint64
	cpuKernelNs uint64
	blkRead     uint64
	blkWrite    uint64
	netRx       uint64
	netTx       uint64
}

func (e *Engine) snapshotStats(ctx context.Context, sandboxID string) statsSnapshot {
	stats, err := e.readStats(ctx, sandboxID)
	if err != nil {
		return statsSnapshot{}
	}
	snap := statsSnapshot{
		valid:       true,
		cpuUserNs:   stats.CPUStats.CPUUsage.UsageInUsermode,
		cpuKernelNs: stats.CPUStats.CPUUsage.UsageInKernelmode,
	}
	snap.blkRead, snap.blkWrite = blkioTotals(stats)
	snap.netRx, snap.netTx = networkTotals(stats)
	return snap
}

func (e *Engine) collectMetrics(sandboxID string, pre statsSnapshot, exitCode int) *store.ResourceMetrics {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := e.readStats(ctx, sandboxID)
	if err != nil {
		e.log.Debug().Err(err).Str("sandbox", shortID(sandboxID)).Msg("Stats unavailable after execution")
		return nil
	}

	metrics := &store.ResourceMetrics{
		MemoryUsageBytes: stats.MemoryStats.Usage,
		MemoryPeakBytes:  stats.MemoryStats.MaxUsage,
		PIDs:             stats.PidsStats.Current,
		ExitCode:         exitCode,
	}
	if stats.MemoryStats.Limit > 0 {
		metrics.MemoryPercent = float64(stats.MemoryStats.Usage) / float64(stats.MemoryStats.Limit) * 100
	}

	blkRead, blkWrite := blkioTotals(stats)
	netRx, netTx := networkTotals(stats)

	if pre.valid {
		metrics.CPUUserSeconds = nsToSeconds(delta(stats.CPUStats.CPUUsage.UsageInUsermode, pre.cpuUserNs))
		metrics.CPUSystemSeconds = nsToSeconds(delta(stats.CPUStats.CPUUsage.UsageInKernelmode, pre.cpuKernelNs))
		metrics.BlockReadBytes = delta(blkRead, pre.blkRead)
		metrics.BlockWriteBytes = delta(blkWrite, pre.blkWrite)
		metrics.NetRxBytes = delta(netRx, pre.netRx)
		metrics.NetTxBytes = delta(netTx, pre.netTx)
	} else {
		metrics.CPUUserSeconds = nsToSeconds(stats.CPUStats.CPUUsage.UsageInUsermode)
		metrics.CPUSystemSeconds = nsToSeconds(stats.CPUStats.CPUUsage.UsageInKernelmode)
		metrics.BlockReadBytes = blkRead
		metrics.BlockWriteBytes = blkWrite
		metrics.NetRxBytes = netRx
		metrics.NetTxBytes = netTx
	}
	return metrics
}

func (e *Engine) readStats(ctx context.Context, sandboxID string) (*types.StatsJSON, error) {
	resp, err := e.cli.ContainerStatsOneShot(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}
	return &stats, nil
}

func blkioTotals(stats *types.StatsJSON) (read, write uint64) {
	for _, entry := range stats.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(entry.Op) {
		case "read":
			read += entry.Value
		case "write":
			write += entry.Value
		}
	}
	return read, write
}

func networkTotals(stats *types.StatsJSON) (rx, tx uint64) {
	for _, net := range stats.Networks {
		rx += net.RxBytes
		tx += net.TxBytes
	}
	return rx, tx
}

func delta(now, before uint64) uint64 {
	if now < before {
		return 0
	}
	return now - before
}

func nsToSeconds(ns uint64) float64 {
	return float64(ns) / 1e9
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
