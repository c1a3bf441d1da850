package docker

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ExecRun runs a command inside a container and waits for it, returning the
// demultiplexed output and exit code.
func ExecRun(ctx context.Context, cli *client.Client, containerID string, cmd, env []string) (string, string, int, error) {
	created, err := cli.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:          cmd,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", "", -1, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return "", "", -1, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return stdout.String(), stderr.String(), -1, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return stdout.String(), stderr.String(), -1, fmt.Errorf("failed to inspect exec: %w", err)
	}
	return stdout.String(), stderr.String(), inspect.ExitCode, nil
}

// ExecDetached starts a command inside a container without waiting, returning
// the exec id as a handle for liveness checks.
func ExecDetached(ctx context.Context, cli *client.Client, containerID string, cmd, env []string) (string, error) {
	created, err := cli.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:    cmd,
		Env:    env,
		Detach: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create exec: %w", err)
	}
	if err := cli.ContainerExecStart(ctx, created.ID, types.ExecStartCheck{Detach: true}); err != nil {
		return "", fmt.Errorf("failed to start exec: %w", err)
	}
	return created.ID, nil
}

// ExecAlive reports whether a detached exec is still running, and its exit
// code once it is not.
func ExecAlive(ctx context.Context, cli *client.Client, execID string) (bool, int, error) {
	inspect, err := cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return false, -1, err
	}
	return inspect.Running, inspect.ExitCode, nil
}

// WriteContainerFile writes content to a path inside the container. The
// payload travels base64-encoded so arbitrary content survives the shell.
func WriteContainerFile(ctx context.Context, cli *client.Client, containerID, path, content string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	cmd := fmt.Sprintf("echo '%s' | base64 -d > %s", encoded, path)
	_, stderr, exitCode, err := ExecRun(ctx, cli, containerID, []string{"sh", "-c", cmd}, nil)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("failed to write %s: %s", path, strings.TrimSpace(stderr))
	}
	return nil
}
