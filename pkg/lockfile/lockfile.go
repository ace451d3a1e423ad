// Package lockfile implements the per-container cluster lock. The lock is a
// plain file on shared storage whose content is "<node>:<pid>:<unix-ts>". It
// provides best-effort mutual exclusion, not a linearizable distributed lock:
// two nodes racing inside a narrow window is a known, accepted limitation.
package lockfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-vzbackup/pkg/plog"
	"github.com/paulschiretz/pgl-vzbackup/pkg/util"
)

// StaleTimeout is the age after which a lock is considered abandoned and may
// be reclaimed.
const StaleTimeout = 4 * time.Hour

// LockContent is the parsed body of a lock file.
type LockContent struct {
	Node       string
	PID        int64
	AcquiredAt time.Time
}

// String renders the on-disk format: "<node>:<pid>:<unix-timestamp>".
func (c LockContent) String() string {
	return fmt.Sprintf("%s:%d:%d", c.Node, c.PID, c.AcquiredAt.Unix())
}

// ErrLockActive is a structured error returned when a non-stale lock is
// already held for the container.
type ErrLockActive struct {
	ContainerID string
	Node        string
	PID         int64
	TimeSince   time.Duration
}

// IsHint labels an active lock as a soft failure: the container is being
// handled elsewhere, which is a skip signal, not a fault.
func (e *ErrLockActive) IsHint() bool { return true }

// Error implements the error interface for ErrLockActive.
func (e *ErrLockActive) Error() string {
	// Truncate for cleaner output, e.g. "3m2s" instead of "3m2.123456789s".
	return fmt.Sprintf("lock for container %s is active, held by PID %d on node '%s', acquired %s ago",
		e.ContainerID, e.PID, e.Node, e.TimeSince.Truncate(time.Second))
}

// Lock manages the state of an acquired lock file.
type Lock struct {
	path    string
	content LockContent
	mu      sync.Mutex
	// We keep track if we actually hold the lock to prevent double release.
	held bool
}

// Path returns the location of the lock file.
func (l *Lock) Path() string {
	return l.path
}

// LockPath returns the lock file path for a container in dir.
func LockPath(dir, containerID string) string {
	return filepath.Join(dir, fmt.Sprintf("vzbackup-%s.lock", containerID))
}

// Acquire attempts to acquire the lock for a container. It returns
// (nil, *ErrLockActive) if a non-stale lock is already held; stale locks are
// removed and acquisition proceeds.
func Acquire(ctx context.Context, dir, containerID, node string) (*Lock, error) {
	path := LockPath(dir, containerID)
	// A few attempts cover the race between stale-lock removal and re-creation.
	maxAttempts := 3

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// --- 1. Attempt Atomic Acquisition ---
		lock, err := tryAcquire(path, node)
		if err == nil {
			plog.Debug("Lock acquired", "container", containerID, "path", path)
			return lock, nil
		}

		// If error is NOT "file exists", it's a real filesystem error
		// (permissions, disk full, etc).
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		// --- 2. Lock is Held, Check for Staleness ---
		content, readErr := readLockContent(path)
		if readErr != nil {
			if os.IsNotExist(readErr) {
				// The holder released between our create attempt and the read.
				continue
			}
			// An unreadable or garbled lock file is treated as stale: the
			// writer either crashed mid-write or predates this format.
			plog.Warn("Found unreadable lock file, treating as stale", "path", path, "error", readErr)
		} else {
			elapsed := time.Since(content.AcquiredAt)
			if elapsed < StaleTimeout {
				return nil, &ErrLockActive{
					ContainerID: containerID,
					Node:        content.Node,
					PID:         content.PID,
					TimeSince:   elapsed,
				}
			}
			plog.Warn("Found stale lock, reclaiming", "container", containerID, "node", content.Node, "pid", content.PID, "age", elapsed.Truncate(time.Second))
		}

		// --- 3. Lock is Stale, Remove and Retry ---
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", removeErr)
		}
	}

	return nil, fmt.Errorf("failed to acquire lock for container %s after %d attempts (contention)", containerID, maxAttempts)
}

// tryAcquire attempts atomic creation using O_EXCL to guarantee "I created
// this file first".
func tryAcquire(path, node string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	content := LockContent{
		Node:       node,
		PID:        int64(os.Getpid()),
		AcquiredAt: time.Now(),
	}

	if _, err := f.WriteString(content.String() + "\n"); err != nil {
		// Clean up the empty file we just created.
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write lock content: %w", err)
	}

	return &Lock{path: path, content: content, held: true}, nil
}

// Release removes the lock file. It is unconditional and idempotent; a
// missing file is not an error.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}

	if err := os.Remove(l.path); err != nil {
		if !os.IsNotExist(err) {
			plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		}
	} else {
		plog.Debug("Lock released", "path", l.path)
	}
	l.held = false
}

// readLockContent parses a "<node>:<pid>:<unix-ts>" lock file body.
func readLockContent(path string) (LockContent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LockContent{}, err
	}

	parts := strings.Split(strings.TrimSpace(string(data)), ":")
	if len(parts) != 3 {
		return LockContent{}, fmt.Errorf("malformed lock content %q", strings.TrimSpace(string(data)))
	}

	pid, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return LockContent{}, fmt.Errorf("malformed lock PID: %w", err)
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return LockContent{}, fmt.Errorf("malformed lock timestamp: %w", err)
	}

	return LockContent{
		Node:       parts[0],
		PID:        pid,
		AcquiredAt: time.Unix(ts, 0),
	}, nil
}
