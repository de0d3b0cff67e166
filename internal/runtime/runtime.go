// Package runtime implements the ContainerRuntime adapter: a single-container
// lifecycle API (Create/CopyIn/WriteFile/Exec/Logs/Teardown) over the Docker
// Engine API, adapted from the teacher's internal/docker client.
package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/artemis/depupgrade/internal/observability"
	"github.com/artemis/depupgrade/internal/workflow"
	"github.com/cespare/xxhash/v2"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// maxCapturedOutput bounds Exec's captured stdout/stderr; overflow is
// truncated from the head (spec §4.3: "truncates from head on overflow").
const maxCapturedOutput = 64 * 1024

// TeardownPolicy selects what Teardown does with a finished container.
type TeardownPolicy string

const (
	PolicyRemove TeardownPolicy = "REMOVE"
	PolicyKeep   TeardownPolicy = "KEEP"
)

// PortMap binds a single container port to a host port.
type PortMap struct {
	ContainerPort int
	HostPort      int
}

// ResourceLimits bounds a validation container's CPU/memory footprint.
type ResourceLimits struct {
	MemoryBytes int64
	NanoCPUs    int64
}

// Handle identifies a live container created by Create.
type Handle struct {
	ID       string
	Name     string
	Image    string
	HostPort int
}

// ExecResult is the outcome of a single Exec call.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runtime adapts the Docker Engine API to the ContainerRuntime contract.
// All operations on a single Handle are synchronous; the engine never
// drives one container concurrently from multiple goroutines (spec §4.3) —
// Runtime itself is safe for concurrent use across distinct handles.
type Runtime struct {
	cli    *client.Client
	logger *observability.Logger

	mu     sync.RWMutex
	closed bool
}

// New creates a Runtime and verifies the daemon is reachable.
func New(logger *observability.Logger, host string) (*Runtime, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create container runtime client: %w", err)
	}

	r := &Runtime{cli: cli, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		cli.Close()
		return nil, err
	}

	logger.Info("container runtime connected")
	return r, nil
}

// Ping verifies the daemon is reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return fmt.Errorf("container runtime is closed")
	}
	cli := r.cli
	r.mu.RUnlock()

	start := time.Now()
	_, err := cli.Ping(ctx)
	observability.ContainerOperationDuration.WithLabelValues("ping").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.ContainerOperations.WithLabelValues("ping", "error").Inc()
		return workflow.NewMigrationError(workflow.ErrorContainerTransient, fmt.Errorf("ping failed: %w", err))
	}
	observability.ContainerOperations.WithLabelValues("ping", "success").Inc()
	return nil
}

// Close releases the underlying Docker client connection.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.cli.Close()
}

// ContainerName derives the deterministic container name required by spec
// §3 ("container_name: deterministic, derived from project basename ...
// prefixed ai-modernizer-") and §5's shared-resource policy, which appends
// a short hash of the migration id so concurrent workflows validating the
// same project basename never collide on a container name.
func ContainerName(projectBasename, migrationID string) string {
	normalized := normalizeName(projectBasename)
	suffix := xxhash.Sum64String(migrationID)
	return fmt.Sprintf("ai-modernizer-%s-%x", normalized, suffix&0xffffffff)
}

func normalizeName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		case r == '_', r == ' ', r == '.':
			out = append(out, '-')
		case r == '-':
			out = append(out, r)
		}
	}
	return string(out)
}

// Create creates a container with the given deterministic name, removing
// any existing container of the same name first (spec §4.3).
func (r *Runtime) Create(ctx context.Context, name, image, workingDir string, port PortMap, limits ResourceLimits) (*Handle, error) {
	r.mu.RLock()
	cli := r.cli
	r.mu.RUnlock()

	if existing, err := cli.ContainerInspect(ctx, name); err == nil {
		r.logger.Info("removing stale container with conflicting name", zap.String("name", name))
		_ = cli.ContainerRemove(ctx, existing.ID, container.RemoveOptions{Force: true})
	}

	containerPort, err := newPort(port.ContainerPort)
	if err != nil {
		return nil, workflow.NewMigrationError(workflow.ErrorContainerFatal, err)
	}

	hostConfig := &container.HostConfig{
		PortBindings: newPortBindings(containerPort, port.HostPort),
		Resources: container.Resources{
			Memory:   limits.MemoryBytes,
			NanoCPUs: limits.NanoCPUs,
		},
		AutoRemove: false,
	}

	cfg := &container.Config{
		Image:      image,
		WorkingDir: workingDir,
		Tty:        false,
		ExposedPorts: newExposedPorts(containerPort),
	}

	start := time.Now()
	resp, err := cli.ContainerCreate(ctx, cfg, hostConfig, nil, nil, name)
	observability.ContainerOperationDuration.WithLabelValues("create").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.ContainerOperations.WithLabelValues("create", "error").Inc()
		return nil, workflow.NewMigrationError(classifyCreateError(err), fmt.Errorf("container create: %w", err))
	}
	observability.ContainerOperations.WithLabelValues("create", "success").Inc()

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, workflow.NewMigrationError(workflow.ErrorContainerFatal, fmt.Errorf("container start: %w", err))
	}

	r.logger.Info("container created",
		zap.String("name", name),
		zap.String("container_id", resp.ID),
		zap.String("image", image),
	)

	return &Handle{ID: resp.ID, Name: name, Image: image, HostPort: port.HostPort}, nil
}

// CopyIn injects a local directory tree into the container as a tar stream,
// excluding the given directory names at any depth.
func (r *Runtime) CopyIn(ctx context.Context, h *Handle, hostPath, containerPath string, excludeDirs []string) error {
	r.mu.RLock()
	cli := r.cli
	r.mu.RUnlock()

	buf, err := tarDirectory(hostPath, excludeDirs)
	if err != nil {
		return fmt.Errorf("build tar stream: %w", err)
	}

	start := time.Now()
	err = cli.CopyToContainer(ctx, h.ID, containerPath, buf, types.CopyToContainerOptions{})
	observability.ContainerOperationDuration.WithLabelValues("copy_in").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.ContainerOperations.WithLabelValues("copy_in", "error").Inc()
		return workflow.NewMigrationError(workflow.ErrorContainerTransient, fmt.Errorf("copy in: %w", err))
	}
	observability.ContainerOperations.WithLabelValues("copy_in", "success").Inc()
	return nil
}

// WriteFile injects a single file by tar stream rather than a shell
// command, so arbitrary byte content — including quoting metacharacters in
// a mutated package.json — survives byte-exact (spec §4.3).
func (r *Runtime) WriteFile(ctx context.Context, h *Handle, containerPath string, content []byte) error {
	r.mu.RLock()
	cli := r.cli
	r.mu.RUnlock()

	dir, file := splitPath(containerPath)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: file,
		Mode: 0644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("tar write: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("tar close: %w", err)
	}

	start := time.Now()
	err := cli.CopyToContainer(ctx, h.ID, dir, &buf, types.CopyToContainerOptions{})
	observability.ContainerOperationDuration.WithLabelValues("write_file").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.ContainerOperations.WithLabelValues("write_file", "error").Inc()
		return workflow.NewMigrationError(workflow.ErrorContainerTransient, fmt.Errorf("write file %s: %w", containerPath, err))
	}
	observability.ContainerOperations.WithLabelValues("write_file", "success").Inc()
	return nil
}

// Exec runs argv inside the container, capturing stdout/stderr up to
// maxCapturedOutput (truncated from the head on overflow) and honoring
// timeout.
func (r *Runtime) Exec(ctx context.Context, h *Handle, argv []string, env []string, stdin io.Reader, timeout time.Duration) (*ExecResult, error) {
	r.mu.RLock()
	cli := r.cli
	r.mu.RUnlock()

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	created, err := cli.ContainerExecCreate(execCtx, h.ID, types.ExecConfig{
		Cmd:          argv,
		Env:          observability.RedactEnv(env),
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		observability.ContainerOperations.WithLabelValues("exec", "error").Inc()
		return nil, workflow.NewMigrationError(workflow.ErrorContainerTransient, fmt.Errorf("exec create: %w", err))
	}

	attachResp, err := cli.ContainerExecAttach(execCtx, created.ID, types.ExecStartCheck{})
	if err != nil {
		observability.ContainerOperations.WithLabelValues("exec", "error").Inc()
		return nil, workflow.NewMigrationError(workflow.ErrorContainerTransient, fmt.Errorf("exec attach: %w", err))
	}
	defer attachResp.Close()

	if stdin != nil {
		go func() {
			io.Copy(attachResp.Conn, stdin)
			attachResp.CloseWrite()
		}()
	}

	var stdoutBuf, stderrBuf boundedBuffer
	stdoutBuf.limit = maxCapturedOutput
	stderrBuf.limit = maxCapturedOutput

	start := time.Now()
	copyErr := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attachResp.Reader)
		copyErr <- err
	}()

	select {
	case <-execCtx.Done():
		observability.ContainerOperations.WithLabelValues("exec", "timeout").Inc()
		return nil, workflow.NewMigrationError(workflow.ErrorContainerTransient, execCtx.Err())
	case err := <-copyErr:
		if err != nil && err != io.EOF {
			observability.ContainerOperations.WithLabelValues("exec", "error").Inc()
			return nil, workflow.NewMigrationError(workflow.ErrorContainerTransient, fmt.Errorf("exec stream: %w", err))
		}
	}

	inspect, err := cli.ContainerExecInspect(execCtx, created.ID)
	if err != nil {
		observability.ContainerOperations.WithLabelValues("exec", "error").Inc()
		return nil, workflow.NewMigrationError(workflow.ErrorContainerTransient, fmt.Errorf("exec inspect: %w", err))
	}

	duration := time.Since(start)
	observability.ContainerOperationDuration.WithLabelValues("exec").Observe(duration.Seconds())
	observability.ContainerOperations.WithLabelValues("exec", "success").Inc()

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
	}, nil
}

// Logs returns the container's raw stdout/stderr log tail, for stages (like
// "start application in background") whose output was not captured via Exec.
// stageName is carried through only for the caller's own bookkeeping/logging.
func (r *Runtime) Logs(ctx context.Context, h *Handle, stageName string, tailLines string) (string, error) {
	r.mu.RLock()
	cli := r.cli
	r.mu.RUnlock()

	reader, err := cli.ContainerLogs(ctx, h.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailLines,
	})
	if err != nil {
		observability.ContainerOperations.WithLabelValues("logs", "error").Inc()
		return "", workflow.NewMigrationError(workflow.ErrorContainerTransient, fmt.Errorf("logs for stage %s: %w", stageName, err))
	}
	defer reader.Close()

	var stdoutBuf, stderrBuf boundedBuffer
	stdoutBuf.limit = maxCapturedOutput
	stderrBuf.limit = maxCapturedOutput
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, reader); err != nil && err != io.EOF {
		observability.ContainerOperations.WithLabelValues("logs", "error").Inc()
		return "", workflow.NewMigrationError(workflow.ErrorContainerTransient, fmt.Errorf("logs demux for stage %s: %w", stageName, err))
	}

	observability.ContainerOperations.WithLabelValues("logs", "success").Inc()
	return stdoutBuf.String() + stderrBuf.String(), nil
}

// Teardown stops and, per policy, removes the container. Teardown is
// best-effort: callers (internal/validate) must not let a teardown error
// overwrite an earlier stage's error (spec §4.3 invariant).
func (r *Runtime) Teardown(ctx context.Context, h *Handle, policy TeardownPolicy) error {
	r.mu.RLock()
	cli := r.cli
	r.mu.RUnlock()

	timeout := 5
	if err := cli.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		r.logger.Warn("teardown: stop failed", zap.String("container_id", h.ID), zap.Error(err))
	}

	if policy == PolicyKeep {
		observability.ContainerOperations.WithLabelValues("teardown_keep", "success").Inc()
		return nil
	}

	if err := cli.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true}); err != nil {
		observability.ContainerOperations.WithLabelValues("teardown_remove", "error").Inc()
		return fmt.Errorf("teardown remove %s: %w", h.ID, err)
	}
	observability.ContainerOperations.WithLabelValues("teardown_remove", "success").Inc()
	return nil
}

func classifyCreateError(err error) workflow.ErrorKind {
	if err == nil {
		return workflow.ErrorContainerTransient
	}
	msg := err.Error()
	for _, pattern := range []string{"port is already allocated", "no such image", "pull access denied", "manifest unknown"} {
		if containsFold(msg, pattern) {
			return workflow.ErrorContainerFatal
		}
	}
	return workflow.ErrorContainerTransient
}

func containsFold(s, substr string) bool {
	sl, subl := []rune(s), []rune(substr)
	toLower := func(rs []rune) []rune {
		out := make([]rune, len(rs))
		for i, r := range rs {
			if r >= 'A' && r <= 'Z' {
				r += 'a' - 'A'
			}
			out[i] = r
		}
		return out
	}
	sl, subl = toLower(sl), toLower(subl)
	s2, sub2 := string(sl), string(subl)
	return len(s2) >= len(sub2) && bytes.Contains([]byte(s2), []byte(sub2))
}

// boundedBuffer retains at most limit bytes, dropping from the head of the
// buffer as new writes arrive past capacity (spec §4.3: "truncates from
// head on overflow").
type boundedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	n, err := b.buf.Write(p)
	if b.limit > 0 && b.buf.Len() > b.limit {
		excess := b.buf.Len() - b.limit
		b.buf.Next(excess)
	}
	return n, err
}

func (b *boundedBuffer) String() string { return b.buf.String() }
