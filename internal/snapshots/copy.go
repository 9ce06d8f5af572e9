package snapshots

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CopyService materializes snapshots as full recursive copies. Used when
// neither overlay mounts nor ZFS privileges are available, at the cost of
// copy time and disk proportional to the snapshot size.
type CopyService struct {
	workDir string
}

// NewCopyService creates a copy-backed snapshot service rooted at workDir.
func NewCopyService(workDir string) *CopyService {
	return &CopyService{workDir: workDir}
}

func (s *CopyService) path(name string) string {
	return filepath.Join(s.workDir, name)
}

// Create copies source into a fresh directory named after the scenario,
// removing any stale copy with the same name first.
func (s *CopyService) Create(ctx context.Context, name, source string) (string, error) {
	sourcePath, err := filepath.Abs(source)
	if err != nil {
		return "", fmt.Errorf("failed to resolve snapshot source: %w", err)
	}
	if _, err := os.Stat(sourcePath); err != nil {
		return "", fmt.Errorf("snapshot source does not exist: %s", sourcePath)
	}

	dest := s.path(name)
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("failed to remove stale snapshot copy: %w", err)
	}
	if err := os.MkdirAll(s.workDir, 0o777); err != nil {
		return "", fmt.Errorf("failed to create snapshot work directory: %w", err)
	}
	if err := copyTree(ctx, sourcePath, dest); err != nil {
		return "", fmt.Errorf("failed to copy snapshot: %w", err)
	}
	return dest, nil
}

// Get returns the copy's directory if it exists.
func (s *CopyService) Get(_ context.Context, name, source string) (string, error) {
	dest := s.path(name)
	if _, err := os.Stat(dest); err != nil {
		return "", fmt.Errorf("snapshot copy not found (name=%s source=%s): call Create first", name, source)
	}
	return dest, nil
}

// Delete removes the copy. Already-absent is success.
func (s *CopyService) Delete(_ context.Context, name, _ string) error {
	return os.RemoveAll(s.path(name))
}

// copyTree recursively copies src to dst, preserving file modes and
// honoring context cancellation between entries.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := entry.Info()
		if err != nil {
			return err
		}

		switch {
		case entry.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
