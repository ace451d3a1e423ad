// Package locality decides whether this cluster node owns the backup
// responsibility for a container. HA clusters may show a container as
// configured on several nodes; only the node that can actually execute
// inside it owns the backup.
package locality

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-vzbackup/pkg/ct"
	"github.com/paulschiretz/pgl-vzbackup/pkg/plog"
	"github.com/paulschiretz/pgl-vzbackup/pkg/util"
)

// Locality is the three-way ownership answer for a container.
type Locality int

const (
	// Absent: the container is not configured on this node at all.
	Absent Locality = iota
	// Local: this node owns the container and must back it up.
	Local
	// Remote: the container is configured here but not actionable on this
	// node (running elsewhere, migrating, or in an unrecognized state).
	Remote
)

var localityToString = map[Locality]string{
	Absent: "absent",
	Local:  "local",
	Remote: "remote",
}

var stringToLocality map[string]Locality

func init() {
	stringToLocality = util.InvertMap(localityToString)
}

func (l Locality) String() string {
	if str, ok := localityToString[l]; ok {
		return str
	}
	return fmt.Sprintf("unknown_locality(%d)", l)
}

// probeTimeout bounds the in-container execution probe. A container that
// cannot answer a trivial command within this window is not locally usable.
const probeTimeout = 30 * time.Second

// Detector answers the locality question through the container manager.
type Detector struct {
	manager ct.Manager
}

// NewDetector creates a Detector over the given container manager.
func NewDetector(manager ct.Manager) *Detector {
	return &Detector{manager: manager}
}

// Detect classifies the container:
//   - not configured here: Absent
//   - reported stopped: Local (stopped containers found on this node are
//     safe and necessary to back up; no probe needed)
//   - reported running: Local only if a bounded execution probe inside the
//     container succeeds, which disambiguates a genuinely local instance
//     from one relocated to another node mid-failover
//   - anything else: Remote
func (d *Detector) Detect(ctx context.Context, containerID string) (Locality, error) {
	configured, err := d.manager.ConfigExists(ctx, containerID)
	if err != nil {
		return Absent, fmt.Errorf("failed to check container configuration: %w", err)
	}
	if !configured {
		plog.Debug("Container not configured on this node", "container", containerID)
		return Absent, nil
	}

	state, err := d.manager.Status(ctx, containerID)
	if err != nil {
		return Remote, fmt.Errorf("failed to query container status: %w", err)
	}

	switch state {
	case ct.StateStopped:
		plog.Debug("Container is stopped locally", "container", containerID)
		return Local, nil
	case ct.StateRunning:
		if _, err := d.manager.Exec(ctx, containerID, probeTimeout, "/bin/true"); err != nil {
			plog.Info("Container reports running but execution probe failed, treating as remote",
				"container", containerID, "error", err)
			return Remote, nil
		}
		plog.Debug("Container is running locally", "container", containerID)
		return Local, nil
	default:
		plog.Info("Container in unrecognized state, treating as remote", "container", containerID, "state", state)
		return Remote, nil
	}
}
