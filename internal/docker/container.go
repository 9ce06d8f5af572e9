package docker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
)

// VolumeMount binds a host directory into the container through a named
// local-driver volume so the bind can carry mount options.
type VolumeMount struct {
	Source  string // host path
	Target  string // container path
	Options string // bind mount options, e.g. "rw" or "rw,dirsync,noatime"
}

// ContainerSpec describes one container of a scenario.
type ContainerSpec struct {
	Name        string
	Image       string
	Command     []string
	Env         map[string]string
	Network     string
	Ports       []int // TCP ports published on the same host port
	Volumes     []VolumeMount
	NanoCPUs    int64 // 0 means unlimited
	MemoryBytes int64 // 0 means unlimited
	StopSignal  string
	User        string
	GroupAdd    []string
}

// envList flattens the env map into KEY=VALUE pairs in a stable order.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// portBindings publishes each TCP port on the same host port.
func portBindings(ports []int) (nat.PortSet, nat.PortMap) {
	if len(ports) == 0 {
		return nil, nil
	}
	set := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		port := nat.Port(strconv.Itoa(p) + "/tcp")
		set[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(p)}}
	}
	return set, bindings
}

// volumeName derives the deterministic name for the i-th volume of a
// container, so teardown can find the volumes without extra bookkeeping.
func volumeName(containerName string, index int) string {
	return fmt.Sprintf("%s-vol-%d", containerName, index)
}

// createVolumes materializes the spec's bind volumes as named local-driver
// volumes. Stale volumes from a previous run with the same name are removed
// first so the bind options and source always match the spec.
func (o *Orchestrator) createVolumes(ctx context.Context, spec ContainerSpec) ([]mount.Mount, error) {
	mounts := make([]mount.Mount, 0, len(spec.Volumes))
	for i, vol := range spec.Volumes {
		name := volumeName(spec.Name, i)
		if err := o.cli.VolumeRemove(ctx, name, true); err != nil && !errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("failed to remove stale volume %s: %w", name, err)
		}
		options := vol.Options
		if options == "" {
			options = "rw"
		}
		_, err := o.cli.VolumeCreate(ctx, volume.CreateOptions{
			Name:   name,
			Driver: "local",
			DriverOpts: map[string]string{
				"type":   "none",
				"o":      "bind," + options,
				"device": vol.Source,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create volume %s: %w", name, err)
		}
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: name,
			Target: vol.Target,
		})
	}
	return mounts, nil
}

func (o *Orchestrator) create(ctx context.Context, spec ContainerSpec) (string, error) {
	mounts, err := o.createVolumes(ctx, spec)
	if err != nil {
		return "", err
	}
	portSet, portMap := portBindings(spec.Ports)

	config := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          envList(spec.Env),
		ExposedPorts: portSet,
		StopSignal:   spec.StopSignal,
		User:         spec.User,
	}
	hostConfig := &container.HostConfig{
		Mounts:       mounts,
		PortBindings: portMap,
		GroupAdd:     spec.GroupAdd,
		Resources: container.Resources{
			NanoCPUs: spec.NanoCPUs,
			Memory:   spec.MemoryBytes,
		},
	}
	var netConfig *network.NetworkingConfig
	if spec.Network != "" {
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
	}

	resp, err := o.cli.ContainerCreate(ctx, config, hostConfig, netConfig, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// StartContainer creates the container with its volumes and starts it in the
// background. The image must already be present or pullable by the daemon.
func (o *Orchestrator) StartContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	id, err := o.create(ctx, spec)
	if err != nil {
		return "", err
	}
	if err := o.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}
	o.logger.Info("started container",
		slog.String("name", spec.Name),
		slog.String("image", spec.Image),
	)
	return id, nil
}

// RunContainer starts the container and blocks until it exits, returning its
// exit code.
func (o *Orchestrator) RunContainer(ctx context.Context, spec ContainerSpec) (int64, error) {
	id, err := o.StartContainer(ctx, spec)
	if err != nil {
		return -1, err
	}
	waitCh, errCh := o.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case result := <-waitCh:
		if result.Error != nil {
			return -1, fmt.Errorf("container %s wait failed: %s", spec.Name, result.Error.Message)
		}
		return result.StatusCode, nil
	case err := <-errCh:
		return -1, fmt.Errorf("container %s wait failed: %w", spec.Name, err)
	}
}

// StopAndRemove stops the container, removes it, and removes its named
// volumes. Every step tolerates an already-removed resource so teardown can
// run unconditionally after a partial setup.
func (o *Orchestrator) StopAndRemove(ctx context.Context, name string, volumeCount int) error {
	if err := o.cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	if err := o.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	for i := 0; i < volumeCount; i++ {
		vol := volumeName(name, i)
		if err := o.cli.VolumeRemove(ctx, vol, true); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to remove volume %s: %w", vol, err)
		}
	}
	return nil
}
