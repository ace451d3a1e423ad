// Package snapclean removes leftover volume snapshots from a prior failed
// backup run. Cleanup is advisory: every error is logged and swallowed,
// because a stale snapshot that truly blocks the backup will surface as a
// clear failure from the backup tool itself.
package snapclean

import (
	"context"
	"fmt"

	"github.com/paulschiretz/pgl-vzbackup/pkg/plog"
	"github.com/paulschiretz/pgl-vzbackup/pkg/zfs"
)

// SnapshotSuffix is the snapshot name the backup tool creates while running.
const SnapshotSuffix = "vzdump"

// datasetPatterns enumerates the plausible storage-backend dataset naming
// conventions for a container's volumes.
var datasetPatterns = []string{
	"rpool/data/subvol-%s-disk-0",
	"rpool/data/subvol-%s-disk-1",
	"rpool/ROOT/subvol-%s-disk-0",
	"tank/subvol-%s-disk-0",
}

// Cleaner deletes stale backup snapshots through the dataset manager.
type Cleaner struct {
	snapshots zfs.SnapshotManager
	dryRun    bool
}

// NewCleaner creates a Cleaner over the given snapshot manager.
func NewCleaner(snapshots zfs.SnapshotManager, dryRun bool) *Cleaner {
	return &Cleaner{snapshots: snapshots, dryRun: dryRun}
}

// CleanupStaleSnapshots destroys the backup tool's leftover snapshot on every
// existing dataset of the container. It never fails the caller.
func (c *Cleaner) CleanupStaleSnapshots(ctx context.Context, containerID string) {
	for _, pattern := range datasetPatterns {
		dataset := fmt.Sprintf(pattern, containerID)

		exists, err := c.snapshots.DatasetExists(ctx, dataset)
		if err != nil {
			plog.Warn("Failed to check dataset, skipping snapshot cleanup", "dataset", dataset, "error", err)
			continue
		}
		if !exists {
			continue
		}

		snapshot := dataset + "@" + SnapshotSuffix
		present, err := c.snapshots.SnapshotExists(ctx, snapshot)
		if err != nil {
			plog.Warn("Failed to check snapshot, skipping cleanup", "snapshot", snapshot, "error", err)
			continue
		}
		if !present {
			continue
		}

		if c.dryRun {
			plog.Notice("[DRY RUN] DESTROY stale snapshot", "snapshot", snapshot)
			continue
		}
		plog.Notice("Removing stale snapshot from previous run", "snapshot", snapshot)
		if err := c.snapshots.DestroySnapshot(ctx, snapshot); err != nil {
			plog.Warn("Failed to destroy stale snapshot", "snapshot", snapshot, "error", err)
		}
	}
}
