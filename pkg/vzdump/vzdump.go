// Package vzdump invokes the external backup tool under a bounded wall-clock
// timeout and interprets its exit status. The tool itself produces the
// artifact; this package only supervises the invocation.
package vzdump

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-vzbackup/pkg/ct"
	"github.com/paulschiretz/pgl-vzbackup/pkg/plog"
)

// ToolName is the backup tool binary.
const ToolName = "vzdump"

// DefaultTimeout is the upper bound on a single backup invocation. The tool
// is killed once it is exceeded.
const DefaultTimeout = 3 * time.Hour

// timeoutExitCode is the conventional exit status of a process killed by an
// external timeout supervisor.
const timeoutExitCode = 124

// Result is the tagged outcome of a backup invocation.
type Result struct {
	Success  bool
	TimedOut bool
	// Err carries the failure detail when Success is false.
	Err error
}

// Options configure the backup tool invocation.
type Options struct {
	// DumpDir is where the tool writes artifacts.
	DumpDir string
	// Compression is the codec handed to the tool (zstd, gzip, lzo).
	Compression string
	// MailTo is the recipient for the tool's own notifications. Empty
	// disables them.
	MailTo string
	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
	// DryRun narrates the invocation without executing it.
	DryRun bool
}

// Executor supervises backup tool invocations.
type Executor struct {
	// commandContext allows mocking os/exec for testing.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
	manager        ct.Manager
	opts           Options
}

// NewExecutor creates an Executor. Pass exec.CommandContext in production.
// The container manager is used for the unconditional post-backup unlock.
func NewExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd, manager ct.Manager, opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Executor{commandContext: commandContext, manager: manager, opts: opts}
}

// Execute runs the backup tool for the container. Whatever the outcome, it
// issues a best-effort unlock to the container management layer afterwards,
// because the tool may leave the container locked even on failure.
func (e *Executor) Execute(ctx context.Context, containerID string) Result {
	args := []string{
		containerID,
		"--dumpdir", e.opts.DumpDir,
		"--mode", "snapshot",
		"--compress", e.opts.Compression,
	}
	if e.opts.MailTo != "" {
		args = append(args, "--mailto", e.opts.MailTo)
	}

	if e.opts.DryRun {
		plog.Notice("[DRY RUN] Executing backup", "container", containerID, "command", ToolName+" "+strings.Join(args, " "))
		return Result{Success: true}
	}

	plog.Info("Executing backup", "container", containerID, "dumpdir", e.opts.DumpDir, "compression", e.opts.Compression, "timeout", e.opts.Timeout)

	runCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	cmd := e.commandContext(runCtx, ToolName, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start).Round(time.Second)

	// The backup tool may leave the management layer locked on any exit
	// path. Unlock is best-effort and never fatal by itself.
	e.unlock(ctx, containerID)

	if err == nil {
		plog.Info("Backup finished", "container", containerID, "duration", duration)
		return Result{Success: true}
	}

	if runCtx.Err() == context.DeadlineExceeded || exitCode(err) == timeoutExitCode {
		detail := fmt.Errorf("backup of container %s timed out after %s", containerID, e.opts.Timeout)
		plog.Error("Backup timed out", "container", containerID, "timeout", e.opts.Timeout, "output", tail(out.String()))
		return Result{Success: false, TimedOut: true, Err: detail}
	}

	detail := fmt.Errorf("backup of container %s failed: %w (output: %s)", containerID, err, tail(out.String()))
	plog.Error("Backup failed", "container", containerID, "duration", duration, "error", err, "output", tail(out.String()))
	return Result{Success: false, Err: detail}
}

func (e *Executor) unlock(ctx context.Context, containerID string) {
	if err := e.manager.Unlock(ctx, containerID); err != nil {
		plog.Warn("Failed to unlock container after backup", "container", containerID, "error", err)
	}
}

// exitCode extracts the process exit code from an exec error, or -1.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// tail returns the last few lines of tool output for diagnostics.
func tail(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) <= 5 {
		return s
	}
	return strings.Join(lines[len(lines)-5:], "\n")
}
