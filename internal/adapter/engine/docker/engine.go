// Package docker adapts the Docker Engine API to the domain.ContainerEngine
// port used by the worker.
package docker

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/fairyhunter13/testdock/internal/domain"
)

// Engine implements domain.ContainerEngine on the Docker SDK client.
type Engine struct {
	cli *client.Client
}

// New constructs an Engine from the environment (DOCKER_HOST et al) with API
// version negotiation enabled.
func New() (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("op=docker.new: %w", err)
	}
	return &Engine{cli: cli}, nil
}

// NewWithHost constructs an Engine against an explicit daemon address.
func NewWithHost(host string) (*Engine, error) {
	if host == "" {
		return New()
	}
	cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("op=docker.new: %w", err)
	}
	return &Engine{cli: cli}, nil
}

// PullImage pulls ref and drains the progress stream; the pull is not
// complete until the stream ends.
func (e *Engine) PullImage(ctx domain.Context, ref string) error {
	rc, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("op=docker.pull: %w", err)
	}
	defer func() { _ = rc.Close() }()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("op=docker.pull: drain: %w", err)
	}
	return nil
}

// HasImage reports whether ref exists in the local image cache.
func (e *Engine) HasImage(ctx domain.Context, ref string) (bool, error) {
	imgs, err := e.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, fmt.Errorf("op=docker.has_image: %w", err)
	}
	return len(imgs) > 0, nil
}

// HostGatewayExtraHost is the mapping that lets containers reach services on
// the host machine. Only Linux needs it spelled out; Docker Desktop resolves
// host.docker.internal natively.
func HostGatewayExtraHost() []string {
	if runtime.GOOS == "linux" {
		return []string{"host.docker.internal:host-gateway"}
	}
	return nil
}

// CreateContainer creates (but does not start) a container from spec.
func (e *Engine) CreateContainer(ctx domain.Context, spec domain.ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Entrypoint: spec.Entrypoint,
		Env:        spec.Env,
	}
	hostCfg := &container.HostConfig{
		// AutoRemove must stay off: artifacts are copied out after exit.
		AutoRemove: spec.AutoRemove,
		ExtraHosts: spec.ExtraHosts,
	}
	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("op=docker.create: %w", err)
	}
	for _, w := range resp.Warnings {
		slog.Warn("container create warning", slog.String("name", spec.Name), slog.String("warning", w))
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (e *Engine) StartContainer(ctx domain.Context, id string) error {
	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("op=docker.start: %w", err)
	}
	return nil
}

// StreamLogs follows the container's multiplexed stdout+stderr, demuxes it,
// and writes both streams to w until the container stops.
func (e *Engine) StreamLogs(ctx domain.Context, id string, w io.Writer) error {
	rc, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("op=docker.logs: %w", err)
	}
	defer func() { _ = rc.Close() }()
	if _, err := stdcopy.StdCopy(w, w, rc); err != nil {
		return fmt.Errorf("op=docker.logs: demux: %w", err)
	}
	return nil
}

// WaitContainer blocks until the container is no longer running and returns
// its exit code.
func (e *Engine) WaitContainer(ctx domain.Context, id string) (int64, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("op=docker.wait: %w", err)
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("op=docker.wait: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, fmt.Errorf("op=docker.wait: %w", ctx.Err())
	}
}

// CopyFromContainer returns a tar stream of path inside the container. Works
// on stopped containers, which is why runs keep AutoRemove off.
func (e *Engine) CopyFromContainer(ctx domain.Context, id, path string) (io.ReadCloser, error) {
	rc, _, err := e.cli.CopyFromContainer(ctx, id, path)
	if err != nil {
		return nil, fmt.Errorf("op=docker.copy_from: %w", err)
	}
	return rc, nil
}

// RemoveContainer removes the container, optionally killing it first.
func (e *Engine) RemoveContainer(ctx domain.Context, id string, force bool) error {
	err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil {
		return fmt.Errorf("op=docker.remove: %w", err)
	}
	return nil
}

// Ping verifies daemon reachability for readiness checks.
func (e *Engine) Ping(ctx domain.Context) error {
	_, err := e.cli.Ping(ctx)
	return err
}

// Close releases the underlying HTTP client.
func (e *Engine) Close() error {
	return e.cli.Close()
}
