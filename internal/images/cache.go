// Package images builds and caches the sandbox images. Each distinct package
// set maps to one image, keyed by a digest of the sorted package list, so
// executions that share dependencies share an image.
package images

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"
)

const (
	// Repository all sandbox images are tagged under.
	Repository = "python-executor"

	// BaseTag is the tag for the image with no extra packages.
	BaseTag = "base"

	baseImage = "python:3.11-slim"

	digestLen = 12
)

// ErrBuildFailed wraps an image build error with the build log tail.
type ErrBuildFailed struct {
	Tag string
	Log string
	Err error
}

func (e *ErrBuildFailed) Error() string {
	return fmt.Sprintf("image build for %s failed: %v", e.Tag, e.Err)
}

func (e *ErrBuildFailed) Unwrap() error { return e.Err }

// Cache deduplicates image builds across concurrent executions.
type Cache struct {
	cli *client.Client
	log zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*buildCall
}

type buildCall struct {
	done chan struct{}
	ref  string
	err  error
}

// NewCache creates an image cache backed by the given runtime client.
func NewCache(cli *client.Client, log zerolog.Logger) *Cache {
	return &Cache{
		cli:      cli,
		log:      log.With().Str("component", "images").Logger(),
		inflight: make(map[string]*buildCall),
	}
}

// Digest returns the cache tag for a package set: a 12-character hex digest of
// the sorted, deduplicated package list, or BaseTag for an empty set.
func Digest(packages []string) string {
	cleaned := normalize(packages)
	if len(cleaned) == 0 {
		return BaseTag
	}
	sum := md5.Sum([]byte(strings.Join(cleaned, "-")))
	return hex.EncodeToString(sum[:])[:digestLen]
}

func normalize(packages []string) []string {
	seen := make(map[string]struct{}, len(packages))
	out := make([]string, 0, len(packages))
	for _, p := range packages {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Ensure returns the image reference for a package set, building it if absent.
// Concurrent calls for the same digest coalesce into a single build.
func (c *Cache) Ensure(ctx context.Context, packages []string) (string, error) {
	tag := Digest(packages)
	ref := Repository + ":" + tag

	if c.imageExists(ctx, ref) {
		return ref, nil
	}

	c.mu.Lock()
	if call, ok := c.inflight[tag]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.ref, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	call := &buildCall{done: make(chan struct{}), ref: ref}
	c.inflight[tag] = call
	c.mu.Unlock()

	call.err = c.build(ctx, ref, normalize(packages))
	close(call.done)

	c.mu.Lock()
	delete(c.inflight, tag)
	c.mu.Unlock()

	return ref, call.err
}

// EnsureBase guarantees the package-free base image exists. Called at startup
// so the common path never pays a build on first use.
func (c *Cache) EnsureBase(ctx context.Context) error {
	_, err := c.Ensure(ctx, nil)
	return err
}

func (c *Cache) imageExists(ctx context.Context, ref string) bool {
	_, _, err := c.cli.ImageInspectWithRaw(ctx, ref)
	return err == nil
}

func (c *Cache) build(ctx context.Context, ref string, packages []string) error {
	start := time.Now()
	c.log.Info().Str("image", ref).Strs("packages", packages).Msg("Building sandbox image")

	buildCtx, err := tarContext(dockerfile(packages))
	if err != nil {
		return err
	}

	resp, err := c.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{ref},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		PullParent:  false,
	})
	if err != nil {
		return &ErrBuildFailed{Tag: ref, Err: err}
	}
	defer resp.Body.Close()

	buildLog, err := drainBuildOutput(resp.Body)
	if err != nil {
		c.log.Error().Str("image", ref).Str("log", buildLog).Msg("Image build failed")
		return &ErrBuildFailed{Tag: ref, Log: buildLog, Err: err}
	}

	c.log.Info().Str("image", ref).Dur("elapsed", time.Since(start)).Msg("Sandbox image built")
	return nil
}

func dockerfile(packages []string) string {
	var b strings.Builder
	b.WriteString("FROM " + baseImage + "\n")
	b.WriteString("RUN useradd -m -u 1000 runner\n")
	if len(packages) > 0 {
		b.WriteString("RUN pip install --no-cache-dir " + strings.Join(packages, " ") + "\n")
	}
	b.WriteString("USER 1000:1000\n")
	b.WriteString("WORKDIR /tmp\n")
	return b.String()
}

// tarContext wraps a Dockerfile in the in-memory tar archive the build API expects.
func tarContext(content string) (*bytes.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: "Dockerfile",
		Mode: 0644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("failed to write build context header: %w", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return nil, fmt.Errorf("failed to write build context: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalise build context: %w", err)
	}
	return bytes.NewReader(buf.Bytes()), nil
}

// drainBuildOutput consumes the daemon's JSON message stream, collecting the
// log tail and surfacing any embedded error message.
func drainBuildOutput(r io.Reader) (string, error) {
	type buildMessage struct {
		Stream string `json:"stream"`
		Error  string `json:"error"`
	}

	var tail []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg buildMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return strings.Join(tail, ""), fmt.Errorf("%s", msg.Error)
		}
		if msg.Stream != "" {
			tail = append(tail, msg.Stream)
			if len(tail) > 50 {
				tail = tail[1:]
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return strings.Join(tail, ""), fmt.Errorf("failed to read build output: %w", err)
	}
	return strings.Join(tail, ""), nil
}
