//go:build windows

package preflight

import "fmt"

// platformIsMountPoint is not supported on Windows. The pipeline targets
// Linux virtualization hosts; disable the mount check when running elsewhere.
func platformIsMountPoint(path string) (bool, error) {
	return false, fmt.Errorf("mount point detection is not supported on windows")
}
