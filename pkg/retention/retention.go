// Package retention prunes aged backup artifacts from target storage. Pruning
// is best effort: a file that cannot be deleted is logged and skipped, it
// never fails the surrounding backup job.
package retention

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-vzbackup/pkg/artifact"
	"github.com/paulschiretz/pgl-vzbackup/pkg/plog"
)

// Pruner deletes a container's artifacts older than the retention window.
type Pruner struct {
	targetDir string
	window    time.Duration
	dryRun    bool

	// now is injectable for tests.
	now func() time.Time
}

// NewPruner creates a Pruner over the target directory.
func NewPruner(targetDir string, window time.Duration, dryRun bool) *Pruner {
	return &Pruner{
		targetDir: targetDir,
		window:    window,
		dryRun:    dryRun,
		now:       time.Now,
	}
}

// Prune removes the container's payload and companion files in the target
// directory whose modification time falls outside the retention window. It
// returns the number of files removed (or that would be removed in dry-run
// mode).
func (p *Pruner) Prune(ctx context.Context, containerID string) (int, error) {
	cutoff := p.now().Add(-p.window)

	entries, err := os.ReadDir(p.targetDir)
	if err != nil {
		plog.Warn("Retention scan failed", "container", containerID, "dir", p.targetDir, "error", err)
		return 0, nil
	}

	pruned := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return pruned, err
		}
		if entry.IsDir() || !artifact.Matches(entry.Name(), containerID) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			plog.Warn("Skipping unreadable entry during retention", "name", entry.Name(), "error", err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(p.targetDir, entry.Name())
		if p.dryRun {
			plog.Notice("[DRY RUN] PRUNE", "path", path, "age", p.now().Sub(info.ModTime()).Round(time.Hour))
			pruned++
			continue
		}

		plog.Notice("PRUNE", "path", path, "age", p.now().Sub(info.ModTime()).Round(time.Hour))
		if err := os.Remove(path); err != nil {
			plog.Warn("Failed to prune artifact", "path", path, "error", err)
			continue
		}
		pruned++
	}

	if pruned > 0 {
		plog.Info("Retention complete", "container", containerID, "pruned", pruned)
	}
	return pruned, nil
}
