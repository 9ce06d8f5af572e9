package snapshots

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// ZFSService clones an existing ZFS snapshot to a per-scenario dataset.
// Unlike the overlay backend, every shell failure here is a typed error:
// there is no safe partial state to continue from.
type ZFSService struct {
	runner Runner
}

// NewZFSService creates a ZFS-backed snapshot service.
func NewZFSService() *ZFSService {
	return &ZFSService{runner: execRunner}
}

// cloneName derives the deterministic clone dataset for (source, name).
// source is a snapshot reference like pool/dataset@snap.
func cloneName(source, name string) string {
	dataset, _, _ := strings.Cut(source, "@")
	return dataset + "_" + name
}

// Create validates the source snapshot, destroys any stale clone with the
// same name, clones the snapshot, and resolves the clone's mountpoint.
func (s *ZFSService) Create(ctx context.Context, name, source string) (string, error) {
	if _, err := s.runner(ctx, "zfs", "list", "-t", "snapshot", source); err != nil {
		return "", fmt.Errorf("zfs snapshot %s is not valid: %w", source, err)
	}

	clone := cloneName(source, name)
	// Reclaim a stale clone left by a previous run with the same name.
	if _, err := s.runner(ctx, "zfs", "list", clone); err == nil {
		if _, err := s.runner(ctx, "zfs", "destroy", clone); err != nil {
			return "", fmt.Errorf("failed to destroy stale zfs clone %s: %w", clone, err)
		}
	}

	if _, err := s.runner(ctx, "zfs", "clone", source, clone); err != nil {
		return "", fmt.Errorf("failed to clone zfs snapshot %s to %s: %w", source, clone, err)
	}
	return s.Get(ctx, name, source)
}

// Get resolves the clone's mountpoint.
func (s *ZFSService) Get(ctx context.Context, name, source string) (string, error) {
	clone := cloneName(source, name)
	out, err := s.runner(ctx, "zfs", "get", "-H", "-o", "value", "mountpoint", clone)
	if err != nil {
		return "", fmt.Errorf("failed to get mountpoint for zfs clone %s: %w", clone, err)
	}
	mountpoint := strings.TrimSpace(string(out))
	if _, err := os.Stat(mountpoint); err != nil {
		return "", fmt.Errorf("zfs clone mountpoint %s does not exist", mountpoint)
	}
	return mountpoint, nil
}

// Delete destroys the clone dataset. A clone that never existed is success.
func (s *ZFSService) Delete(ctx context.Context, name, source string) error {
	clone := cloneName(source, name)
	if _, err := s.runner(ctx, "zfs", "list", clone); err != nil {
		return nil // already absent
	}
	if _, err := s.runner(ctx, "zfs", "destroy", clone); err != nil {
		return fmt.Errorf("failed to destroy zfs clone %s: %w", clone, err)
	}
	return nil
}
