// Package docker wraps the Docker SDK with the narrow surface the scenario
// executor needs: isolated bridge networks, resource-limited containers with
// named bind volumes, log archival, in-container command execution, and
// best-effort teardown that treats already-removed resources as success.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// Orchestrator is an explicitly constructed Docker handle. Its lifecycle is
// tied to one scenario execution; it is passed down to collaborators rather
// than shared process-wide.
type Orchestrator struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewOrchestrator connects to the Docker daemon using the standard
// environment configuration.
func NewOrchestrator(logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Orchestrator{cli: cli, logger: logger}, nil
}

// Close releases the underlying client.
func (o *Orchestrator) Close() error { return o.cli.Close() }

// CreateNetwork creates an isolated bridge network.
func (o *Orchestrator) CreateNetwork(ctx context.Context, name string) (string, error) {
	resp, err := o.cli.NetworkCreate(ctx, name, types.NetworkCreate{Driver: "bridge"})
	if err != nil {
		return "", fmt.Errorf("failed to create docker network %s: %w", name, err)
	}
	return resp.ID, nil
}

// RemoveNetwork removes a network. Already-removed is success.
func (o *Orchestrator) RemoveNetwork(ctx context.Context, name string) error {
	if err := o.cli.NetworkRemove(ctx, name); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove docker network %s: %w", name, err)
	}
	return nil
}

// PullImage pulls an image, draining the progress stream.
func (o *Orchestrator) PullImage(ctx context.Context, ref string) error {
	reader, err := o.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// ContainerIP returns a running container's address on the given network.
func (o *Orchestrator) ContainerIP(ctx context.Context, name, network string) (string, error) {
	info, err := o.cli.ContainerInspect(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", name, err)
	}
	endpoint, ok := info.NetworkSettings.Networks[network]
	if !ok {
		return "", fmt.Errorf("container %s is not attached to network %s", name, network)
	}
	return endpoint.IPAddress, nil
}

// SaveLogs writes a container's combined stdout/stderr to path. Missing
// containers are success: cleanup may run after a partial setup failure.
func (o *Orchestrator) SaveLogs(ctx context.Context, name, path string) error {
	stream, err := o.cli.ContainerLogs(ctx, name, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to read logs of container %s: %w", name, err)
	}
	defer stream.Close()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create log file %s: %w", path, err)
	}
	defer f.Close()

	// Docker multiplexes stdout/stderr on one stream for non-TTY containers.
	if _, err := stdcopy.StdCopy(f, f, stream); err != nil {
		return fmt.Errorf("failed to save logs of container %s: %w", name, err)
	}
	return nil
}
