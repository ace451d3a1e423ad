// Package upload moves backup artifacts from the local dump directory to the
// target storage directory with bounded retries and post-move verification.
// The verification read of the destination is trusted over the transfer
// call's own result: a transfer that "succeeded" but left nothing behind is a
// failed attempt.
package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-vzbackup/pkg/artifact"
	"github.com/paulschiretz/pgl-vzbackup/pkg/plog"
	"github.com/paulschiretz/pgl-vzbackup/pkg/util"
)

// MaxAttempts bounds the retry loop.
const MaxAttempts = 3

// backoffUnit scales the wait between attempts: attempt number × unit.
const backoffUnit = 60 * time.Second

// Retrier moves a container's fresh artifacts to target storage.
type Retrier struct {
	localDir  string
	targetDir string
	dryRun    bool

	// now and sleep are injectable for tests.
	now   func() time.Time
	sleep func(time.Duration)
	// move performs a single file transfer; injectable to simulate transfers
	// that report success without delivering.
	move func(src, dst string) error
}

// NewRetrier creates a Retrier between the two directories.
func NewRetrier(localDir, targetDir string, dryRun bool) *Retrier {
	return &Retrier{
		localDir:  localDir,
		targetDir: targetDir,
		dryRun:    dryRun,
		now:       time.Now,
		sleep:     time.Sleep,
		move:      moveFile,
	}
}

// Backoff returns the wait before retrying after the given attempt.
func Backoff(attempt int) time.Duration {
	return time.Duration(attempt) * backoffUnit
}

// Upload transfers every artifact of the container created since the start
// of the current calendar day. Zero matching artifacts is an immediate
// failure without retry: the backup step claimed success, so missing output
// is a logic error, not a transient fault.
func (r *Retrier) Upload(ctx context.Context, containerID string) error {
	since := artifact.StartOfDay(r.now())
	artifacts, err := artifact.FindSince(r.localDir, containerID, since)
	if err != nil {
		return fmt.Errorf("failed to locate artifacts for container %s: %w", containerID, err)
	}

	if r.dryRun {
		if len(artifacts) == 0 {
			plog.Notice("[DRY RUN] No artifacts to upload", "container", containerID)
			return nil
		}
		for _, a := range artifacts {
			plog.Notice("[DRY RUN] MOVE", "from", a.Path, "to", filepath.Join(r.targetDir, a.Name))
		}
		return nil
	}

	if len(artifacts) == 0 {
		return fmt.Errorf("no artifacts found for container %s since %s in %s", containerID, since.Format("2006-01-02 15:04"), r.localDir)
	}

	// A corrupt artifact does not become valid by retrying the transfer, so
	// integrity is checked once, up front, and fails the upload outright.
	for _, a := range artifacts {
		if err := artifact.VerifyIntegrity(a.Path); err != nil {
			return fmt.Errorf("artifact %s failed integrity check: %w", a.Name, err)
		}
		plog.Debug("Artifact integrity verified", "container", containerID, "file", a.Name)
	}

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		lastErr = r.attempt(containerID, artifacts)
		if lastErr == nil {
			plog.Info("Upload verified", "container", containerID, "files", len(artifacts), "attempt", attempt)
			return nil
		}
		plog.Warn("Upload attempt failed", "container", containerID, "attempt", attempt, "error", lastErr)

		if attempt < MaxAttempts {
			wait := Backoff(attempt)
			plog.Info("Waiting before retry", "container", containerID, "wait", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			r.sleep(wait)
		}
	}
	// Name the local directory in the failure: the artifacts are still
	// sitting there and the operator needs to know where to find them.
	return fmt.Errorf("upload for container %s failed after %d attempts, artifacts remain in %s: %w", containerID, MaxAttempts, r.localDir, lastErr)
}

// attempt transfers any artifact still present locally, then independently
// re-reads the destination and requires every artifact to be there.
func (r *Retrier) attempt(containerID string, artifacts []artifact.Artifact) error {
	if err := os.MkdirAll(r.targetDir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	for _, a := range artifacts {
		if _, err := os.Stat(a.Path); os.IsNotExist(err) {
			// Already moved by a previous attempt; verification decides.
			continue
		}
		dst := filepath.Join(r.targetDir, a.Name)
		plog.Notice("MOVE", "from", a.Path, "to", dst)
		if err := r.move(a.Path, dst); err != nil {
			return fmt.Errorf("transfer of %s failed: %w", a.Name, err)
		}
	}

	return r.verify(artifacts)
}

// verify re-reads the destination directory and checks that every artifact
// is present there.
func (r *Retrier) verify(artifacts []artifact.Artifact) error {
	entries, err := os.ReadDir(r.targetDir)
	if err != nil {
		return fmt.Errorf("failed to read destination for verification: %w", err)
	}
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.Name()] = true
	}

	for _, a := range artifacts {
		if !present[a.Name] {
			return fmt.Errorf("destination verification failed: %s is not present in %s", a.Name, r.targetDir)
		}
	}
	return nil
}

// moveFile renames src to dst, falling back to copy+remove across
// filesystems. The modification time is preserved so retention decisions in
// the target are based on the artifact's creation time.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		plog.Warn("Failed to preserve artifact modification time", "path", dst, "error", err)
	}
	return os.Remove(src)
}
