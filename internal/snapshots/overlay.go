package snapshots

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// OverlayService mounts a union filesystem with the source snapshot as the
// read-only lower layer and fresh upper/work directories. Writes land in the
// upper layer and are discarded with it.
type OverlayService struct {
	workDir string // holds the work/upper/merged siblings
	runner  Runner
	logger  *slog.Logger
}

// NewOverlayService creates an overlay-backed snapshot service rooted at
// workDir.
func NewOverlayService(workDir string, logger *slog.Logger) *OverlayService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OverlayService{workDir: workDir, runner: execRunner, logger: logger}
}

func (s *OverlayService) dirs() (work, upper, merged string) {
	return filepath.Join(s.workDir, "work"),
		filepath.Join(s.workDir, "upper"),
		filepath.Join(s.workDir, "merged")
}

// Create mounts the overlay. A stale mount or leftover directories from a
// previous run with the same name are reclaimed first.
func (s *OverlayService) Create(ctx context.Context, name, source string) (string, error) {
	sourcePath, err := filepath.Abs(source)
	if err != nil {
		return "", fmt.Errorf("failed to resolve snapshot source: %w", err)
	}
	if _, err := os.Stat(sourcePath); err != nil {
		return "", fmt.Errorf("snapshot source does not exist: %s", sourcePath)
	}

	// Best-effort teardown of a stale instance with the same name.
	if err := s.Delete(ctx, name, source); err != nil {
		s.logger.Warn("failed to reclaim stale overlay snapshot", slog.String("error", err.Error()))
	}

	work, upper, merged := s.dirs()
	for _, dir := range []string{work, upper, merged} {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return "", fmt.Errorf("failed to create overlay directory %s: %w", dir, err)
		}
	}

	options := strings.Join([]string{
		"lowerdir=" + sourcePath,
		"upperdir=" + upper,
		"workdir=" + work,
		"redirect_dir=on",
		"metacopy=on",
		"volatile",
	}, ",")
	if _, err := s.runner(ctx, "mount", "-t", "overlay", name, "-o", options, merged); err != nil {
		return "", fmt.Errorf("failed to mount overlay: %w", err)
	}
	return merged, nil
}

// Get validates that the merged mountpoint exists.
func (s *OverlayService) Get(_ context.Context, name, source string) (string, error) {
	_, _, merged := s.dirs()
	if _, err := os.Stat(merged); err != nil {
		return "", fmt.Errorf("overlay snapshot not found (name=%s source=%s): call Create first", name, source)
	}
	return merged, nil
}

// Delete unmounts the overlay and removes the upper/work/merged directories.
// A failed unmount is logged and removal continues: leaving a stale mount is
// worse than leaving stale directories.
func (s *OverlayService) Delete(ctx context.Context, _, _ string) error {
	work, upper, merged := s.dirs()
	if _, err := os.Stat(merged); err != nil {
		return nil // never existed
	}

	if _, err := s.runner(ctx, "umount", merged); err != nil {
		s.logger.Warn("failed to unmount overlay, continuing cleanup", slog.String("error", err.Error()))
	}
	for _, dir := range []string{upper, work, merged} {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("failed to remove overlay directory",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
