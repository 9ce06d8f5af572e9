// Package snapshots materializes isolated, writable working copies of
// execution-client chain state for a scenario run, and reclaims them after.
// Three interchangeable backends: overlay filesystem mounts, ZFS clones, and
// plain recursive copies.
package snapshots

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Backend selects a snapshot service implementation.
type Backend string

const (
	BackendOverlay Backend = "overlay"
	BackendZFS     Backend = "zfs"
	BackendCopy    Backend = "copy"
)

// ParseBackend validates a configured backend name.
func ParseBackend(s string) (Backend, error) {
	switch Backend(strings.ToLower(s)) {
	case BackendOverlay:
		return BackendOverlay, nil
	case BackendZFS:
		return BackendZFS, nil
	case BackendCopy:
		return BackendCopy, nil
	}
	return "", fmt.Errorf("unknown snapshot backend: %s", s)
}

// Service provisions and reclaims per-scenario snapshots. Create must remove
// any stale snapshot with the same name first; Delete must succeed when the
// snapshot never existed.
type Service interface {
	// Create materializes a writable snapshot of source under the given name
	// and returns the directory the execution client should mount.
	Create(ctx context.Context, name, source string) (string, error)

	// Get returns the directory of an existing snapshot.
	Get(ctx context.Context, name, source string) (string, error)

	// Delete reclaims the snapshot. Already-absent is success.
	Delete(ctx context.Context, name, source string) error
}

// NewService returns the Service implementation for the backend. workDir
// hosts the writable copies and overlay scratch directories.
func NewService(backend Backend, workDir string, logger *slog.Logger) Service {
	switch backend {
	case BackendZFS:
		return NewZFSService()
	case BackendCopy:
		return NewCopyService(workDir)
	default:
		return NewOverlayService(workDir, logger)
	}
}

// Runner executes a host command and returns its combined output. The
// backends shell out for mount/unmount and zfs operations; tests substitute
// a recording fake.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// execRunner is the production Runner.
func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}
