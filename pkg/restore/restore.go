// Package restore returns a container to its pre-backup run state. Restoring
// intent matters, not just the raw running flag: a container that should be
// running is only considered restored once it passes functional health
// verification, and a container that was stopped is never auto-started.
package restore

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-vzbackup/pkg/ct"
	"github.com/paulschiretz/pgl-vzbackup/pkg/plog"
)

// HealthVerifier is the consumed slice of the health package.
type HealthVerifier interface {
	Verify(ctx context.Context, containerID string) error
}

// Restorer restores a container's pre-backup state.
type Restorer struct {
	manager     ct.Manager
	health      HealthVerifier
	settleDelay time.Duration
	dryRun      bool
	// sleep is injectable so tests do not wait out settle delays.
	sleep func(time.Duration)
}

// NewRestorer creates a Restorer.
func NewRestorer(manager ct.Manager, health HealthVerifier, settleDelay time.Duration, dryRun bool) *Restorer {
	return &Restorer{
		manager:     manager,
		health:      health,
		settleDelay: settleDelay,
		dryRun:      dryRun,
		sleep:       time.Sleep,
	}
}

// Restore brings the container back to initialState.
//
// Stopped containers get an idempotent stop instruction and nothing more;
// the pipeline never auto-starts a container the operator left stopped.
// Running containers are started if needed and must then pass health
// verification before the restore counts as successful.
func (r *Restorer) Restore(ctx context.Context, containerID string, initialState ct.State) error {
	switch initialState {
	case ct.StateStopped:
		if r.dryRun {
			plog.Notice("[DRY RUN] Ensuring container is stopped", "container", containerID)
			return nil
		}
		plog.Info("Restoring stopped state", "container", containerID)
		if err := r.manager.Stop(ctx, containerID); err != nil {
			return fmt.Errorf("failed to ensure container %s is stopped: %w", containerID, err)
		}
		return nil

	case ct.StateRunning:
		if r.dryRun {
			plog.Notice("[DRY RUN] Restoring running state and verifying health", "container", containerID)
			return nil
		}
		plog.Info("Restoring running state", "container", containerID)

		state, err := r.manager.Status(ctx, containerID)
		if err != nil {
			return fmt.Errorf("failed to query container %s status: %w", containerID, err)
		}
		if state != ct.StateRunning {
			if err := r.manager.Start(ctx, containerID); err != nil {
				return fmt.Errorf("failed to start container %s: %w", containerID, err)
			}
			r.sleep(r.settleDelay)
		}

		if err := r.health.Verify(ctx, containerID); err != nil {
			return fmt.Errorf("container %s is running but not healthy after backup: %w", containerID, err)
		}
		return nil

	default:
		return fmt.Errorf("cannot restore container %s to indeterminate state %q", containerID, initialState)
	}
}
