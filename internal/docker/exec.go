package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"
)

// Exec runs a shell command inside a running container and streams its
// combined output to w until the command exits or ctx is cancelled. The exit
// code of the command is returned.
func (o *Orchestrator) Exec(ctx context.Context, containerName, command, user string, w io.Writer) (int, error) {
	execID, err := o.cli.ContainerExecCreate(ctx, containerName, types.ExecConfig{
		Cmd:          []string{"sh", "-c", command},
		User:         user,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to create exec in container %s: %w", containerName, err)
	}

	attach, err := o.cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return -1, fmt.Errorf("failed to attach exec in container %s: %w", containerName, err)
	}
	defer attach.Close()

	if _, err := stdcopy.StdCopy(w, w, attach.Reader); err != nil {
		// Cancellation tears down the attached connection mid-stream.
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, fmt.Errorf("failed to stream exec output from container %s: %w", containerName, err)
	}

	inspect, err := o.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return -1, fmt.Errorf("failed to inspect exec in container %s: %w", containerName, err)
	}
	return inspect.ExitCode, nil
}
