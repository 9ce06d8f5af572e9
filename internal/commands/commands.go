// Package commands runs auxiliary shell commands inside the execution client
// container for the lifetime of a scenario, streaming each command's output
// to its own log file.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// Execer runs a command inside a container and streams its combined output.
type Execer interface {
	Exec(ctx context.Context, containerName, command, user string, w io.Writer) (int, error)
}

// Runner supervises the extra commands of one scenario. Commands run in
// parallel and typically only terminate when Stop cancels them; a command
// failing early is logged but does not fail the scenario.
type Runner struct {
	execer Execer
	logger *slog.Logger

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewRunner creates a runner bound to the given container exec backend.
func NewRunner(execer Execer, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{execer: execer, logger: logger}
}

// syncWriter flushes every chunk to disk so the command output survives an
// abrupt teardown of the scenario.
type syncWriter struct {
	f *os.File
}

func (w syncWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, err
	}
	return n, w.f.Sync()
}

// Start launches every command inside containerName, writing command i's
// output to outputsDir/cmd-<i>.log. It returns once all commands are
// launched; call Stop to cancel and wait for them.
func (r *Runner) Start(ctx context.Context, containerName, user string, cmds []string, outputsDir string) error {
	if len(cmds) == 0 {
		return nil
	}
	if r.cancel != nil {
		return fmt.Errorf("extra commands already running")
	}

	r.logger.Info("starting extra commands", slog.Int("count", len(cmds)))

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.group, ctx = errgroup.WithContext(ctx)

	for i, cmd := range cmds {
		logFile := filepath.Join(outputsDir, fmt.Sprintf("cmd-%d.log", i))
		f, err := os.Create(logFile)
		if err != nil {
			cancel()
			r.cancel = nil
			return fmt.Errorf("failed to create extra command log %s: %w", logFile, err)
		}

		i, cmd := i, cmd
		r.group.Go(func() error {
			defer f.Close()
			r.logger.Info("starting extra command",
				slog.Int("id", i),
				slog.String("output_file", logFile),
			)
			exitCode, err := r.execer.Exec(ctx, containerName, cmd, user, syncWriter{f})
			if err != nil && ctx.Err() == nil {
				r.logger.Error("extra command failed",
					slog.Int("id", i),
					slog.String("error", err.Error()),
				)
			} else if err == nil && exitCode != 0 {
				r.logger.Warn("extra command exited non-zero",
					slog.Int("id", i),
					slog.Int("exit_code", exitCode),
				)
			}
			return nil // command failures never abort the scenario
		})
	}
	return nil
}

// Stop cancels all running commands and waits for their output streams to
// close. Safe to call when nothing is running.
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.logger.Info("stopping extra commands")
	r.cancel()
	r.group.Wait() //nolint:errcheck
	r.cancel = nil
	r.group = nil
}
