//go:build !windows

package preflight

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// platformIsMountPoint reports whether path is a mount point by comparing its
// device ID with its parent's. A directory sitting on a different device than
// its parent is the root of a mounted filesystem.
func platformIsMountPoint(path string) (bool, error) {
	var pathStat unix.Stat_t
	if err := unix.Stat(path, &pathStat); err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}

	parent := filepath.Dir(path)
	var parentStat unix.Stat_t
	if err := unix.Stat(parent, &parentStat); err != nil {
		return false, fmt.Errorf("stat %s: %w", parent, err)
	}

	if pathStat.Dev != parentStat.Dev {
		return true, nil
	}
	// Same device: bind mounts of the same filesystem show up with identical
	// inodes for dir and parent only at the filesystem root.
	return pathStat.Ino == parentStat.Ino && path != parent, nil
}
