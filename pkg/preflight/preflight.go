// Package preflight provides validation checks that run before any container
// is processed. These checks are read-only probes (the write check excepted);
// a failure here is fatal for the whole run.
package preflight

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/paulschiretz/pgl-vzbackup/pkg/plog"
	"github.com/paulschiretz/pgl-vzbackup/pkg/util"
)

// Validator bundles the run preconditions. The mount-point probe is a field
// so tests can substitute the platform call.
type Validator struct {
	isMountPoint func(path string) (bool, error)
	lookPath     func(file string) (string, error)
}

// NewValidator creates a Validator using the platform mount probe.
func NewValidator() *Validator {
	return &Validator{
		isMountPoint: platformIsMountPoint,
		lookPath:     exec.LookPath,
	}
}

// CheckTargetMounted walks from path upward through its parent directories,
// returning nil as soon as any directory in the chain is a mount point.
// Remote-backed targets are often mounted at an ancestor of the configured
// directory, not the directory itself. The filesystem root does not count:
// a target that resolves to the root filesystem is a "ghost" directory and
// must not receive backups.
func (v *Validator) CheckTargetMounted(path string) error {
	current := filepath.Clean(path)

	for current != string(filepath.Separator) && filepath.Dir(current) != current {
		if _, err := os.Stat(current); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("cannot access %s during mount check: %w", current, err)
			}
			// Levels that don't exist yet can't be mount points; keep walking.
			current = filepath.Dir(current)
			continue
		}

		mounted, err := v.isMountPoint(current)
		if err != nil {
			return fmt.Errorf("mount check failed for %s: %w", current, err)
		}
		if mounted {
			plog.Debug("Mount point found", "target", path, "mountPoint", current)
			return nil
		}
		current = filepath.Dir(current)
	}

	return fmt.Errorf("target %s is not on a mounted filesystem: neither the path nor any ancestor is a mount point", path)
}

// CheckBackupToolPresent verifies the external backup tool is installed.
func (v *Validator) CheckBackupToolPresent(name string) error {
	if _, err := v.lookPath(name); err != nil {
		return fmt.Errorf("backup tool %q not found in PATH: %w", name, err)
	}
	return nil
}

// CheckDirWritable ensures the directory exists and is writable by creating
// and deleting a probe file.
func (v *Validator) CheckDirWritable(dir string) error {
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	probe := filepath.Join(dir, ".pgl-vzbackup-writetest.tmp")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	f.Close()
	_ = os.Remove(probe)
	return nil
}
