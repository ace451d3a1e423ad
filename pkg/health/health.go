// Package health implements the multi-attempt functional health probe for a
// container, with an escalation ladder of corrective actions. The ladder is
// monotonic: once an attempt has required a restart, no later attempt falls
// back to a gentler action.
package health

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-vzbackup/pkg/ct"
	"github.com/paulschiretz/pgl-vzbackup/pkg/plog"
)

// MaxAttempts bounds the verification loop.
const MaxAttempts = 3

// probeTimeout bounds each in-container command probe.
const probeTimeout = 30 * time.Second

// DiskCriticalPercent is the in-container root disk utilization above which
// the container is considered unhealthy beyond repair by restart.
const DiskCriticalPercent = 95

// action is a rung on the corrective escalation ladder.
type action int

const (
	actionNone action = iota
	actionStart
	actionRestart
)

func (a action) String() string {
	switch a {
	case actionStart:
		return "start"
	case actionRestart:
		return "stop+start"
	default:
		return "none"
	}
}

// Policy tunes the verifier.
type Policy struct {
	// MinProcessCount is the minimum in-container process count of a healthy
	// container.
	MinProcessCount int
	// DeepChecks additionally verifies load reportability and disk usage.
	DeepChecks bool
	// SettleDelay is the wait after start/stop before re-probing.
	SettleDelay time.Duration
	// DryRun logs corrective actions without issuing them.
	DryRun bool
}

// Verifier probes a container's functional health.
type Verifier struct {
	manager ct.Manager
	policy  Policy
	// sleep is injectable so tests do not wait out settle delays.
	sleep func(time.Duration)
}

// NewVerifier creates a Verifier over the given container manager.
func NewVerifier(manager ct.Manager, policy Policy) *Verifier {
	return &Verifier{manager: manager, policy: policy, sleep: time.Sleep}
}

// Verify probes the container up to MaxAttempts times, escalating corrective
// action between attempts. It returns nil on the first attempt where all
// checks pass.
func (v *Verifier) Verify(ctx context.Context, containerID string) error {
	level := actionNone
	var lastFailure error

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		failure, needed, terminal := v.check(ctx, containerID)
		if failure == nil {
			plog.Info("Container is healthy", "container", containerID, "attempt", attempt)
			return nil
		}
		lastFailure = failure
		plog.Warn("Health check failed", "container", containerID, "attempt", attempt, "reason", failure)

		if terminal {
			// No corrective action on the ladder can repair this state.
			return fmt.Errorf("container %s is unhealthy beyond repair by restart (attempt %d): %w", containerID, attempt, failure)
		}

		// The ladder never loosens: keep the highest action required so far.
		if needed > level {
			level = needed
		}

		if attempt < MaxAttempts {
			v.correct(ctx, containerID, level)
		}
	}

	return fmt.Errorf("container %s failed health verification after %d attempts: %w", containerID, MaxAttempts, lastFailure)
}

// check runs one pass of the health checks. It returns the failure (nil when
// healthy), the minimal corrective action for that failure, and whether the
// failure is terminal (unrepairable by restart).
func (v *Verifier) check(ctx context.Context, containerID string) (failure error, needed action, terminal bool) {
	// (a) Reported run status.
	state, err := v.manager.Status(ctx, containerID)
	if err != nil {
		return fmt.Errorf("status query failed: %w", err), actionStart, false
	}
	if state != ct.StateRunning {
		return fmt.Errorf("container is %s, expected running", state), actionStart, false
	}

	// (b) Execution probe.
	if _, err := v.manager.Exec(ctx, containerID, probeTimeout, "/bin/true"); err != nil {
		return fmt.Errorf("execution probe failed: %w", err), actionRestart, false
	}

	// (c) Process count.
	count, err := v.processCount(ctx, containerID)
	if err != nil {
		return fmt.Errorf("process count probe failed: %w", err), actionRestart, false
	}
	if count < v.policy.MinProcessCount {
		return fmt.Errorf("process count %d below minimum %d", count, v.policy.MinProcessCount), actionRestart, false
	}

	if v.policy.DeepChecks {
		// (d) System load must be reportable.
		if _, err := v.manager.Exec(ctx, containerID, probeTimeout, "cat", "/proc/loadavg"); err != nil {
			return fmt.Errorf("load probe failed: %w", err), actionRestart, false
		}

		// (e) Disk utilization. A full disk is not repaired by restarting.
		usage, err := v.diskUsagePercent(ctx, containerID)
		if err != nil {
			return fmt.Errorf("disk usage probe failed: %w", err), actionRestart, false
		}
		if usage >= DiskCriticalPercent {
			return fmt.Errorf("root disk usage %d%% at or above critical threshold %d%%", usage, DiskCriticalPercent), actionNone, true
		}
	}

	return nil, actionNone, false
}

// correct issues the corrective action for the current escalation level.
func (v *Verifier) correct(ctx context.Context, containerID string, level action) {
	if v.policy.DryRun {
		plog.Notice("[DRY RUN] Corrective action", "container", containerID, "action", level)
		return
	}

	plog.Notice("Issuing corrective action", "container", containerID, "action", level)
	switch level {
	case actionStart:
		if err := v.manager.Start(ctx, containerID); err != nil {
			plog.Warn("Corrective start failed", "container", containerID, "error", err)
		}
		v.sleep(v.policy.SettleDelay)
	case actionRestart:
		if err := v.manager.Stop(ctx, containerID); err != nil {
			plog.Warn("Corrective stop failed", "container", containerID, "error", err)
		}
		v.sleep(v.policy.SettleDelay)
		if err := v.manager.Start(ctx, containerID); err != nil {
			plog.Warn("Corrective start failed", "container", containerID, "error", err)
		}
		v.sleep(v.policy.SettleDelay)
	}
}

// processCount probes the number of processes inside the container.
func (v *Verifier) processCount(ctx context.Context, containerID string) (int, error) {
	out, err := v.manager.Exec(ctx, containerID, probeTimeout, "sh", "-c", "ps ax | wc -l")
	if err != nil {
		return 0, err
	}
	count, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("unparseable process count %q: %w", out, err)
	}
	return count, nil
}

// diskUsagePercent probes root filesystem utilization inside the container.
func (v *Verifier) diskUsagePercent(ctx context.Context, containerID string) (int, error) {
	out, err := v.manager.Exec(ctx, containerID, probeTimeout, "sh", "-c", "df -P / | tail -1 | awk '{print $5}'")
	if err != nil {
		return 0, err
	}
	trimmed := strings.TrimSuffix(strings.TrimSpace(out), "%")
	usage, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("unparseable disk usage %q: %w", out, err)
	}
	return usage, nil
}
