// Package ct wraps the host's container management tool (pct). It is a thin
// collaborator boundary: every method maps to one invocation of the external
// tool, and the command factory is injectable so tests never touch the host.
package ct

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-vzbackup/pkg/plog"
	"github.com/paulschiretz/pgl-vzbackup/pkg/util"
)

// State is the reported runtime state of a container.
type State int

const (
	StateUnknown State = iota
	StateRunning
	StateStopped
)

var stateToString = map[State]string{
	StateUnknown: "unknown",
	StateRunning: "running",
	StateStopped: "stopped",
}

var stringToState map[string]State

func init() {
	stringToState = util.InvertMap(stateToString)
}

func (s State) String() string {
	if str, ok := stateToString[s]; ok {
		return str
	}
	return fmt.Sprintf("unknown_state(%d)", s)
}

// StateFromString maps the tool's reported status word to a State.
// Anything unrecognized is StateUnknown.
func StateFromString(s string) State {
	if state, ok := stringToState[strings.ToLower(strings.TrimSpace(s))]; ok {
		return state
	}
	return StateUnknown
}

// Manager is the consumed interface of the container management tool.
type Manager interface {
	// ConfigExists reports whether the container is configured on this node.
	ConfigExists(ctx context.Context, containerID string) (bool, error)
	// Status returns the reported runtime state of the container.
	Status(ctx context.Context, containerID string) (State, error)
	// Start starts the container.
	Start(ctx context.Context, containerID string) error
	// Stop stops the container. Stopping an already stopped container is not
	// an error.
	Stop(ctx context.Context, containerID string) error
	// Unlock clears a management-layer lock the backup tool may leave behind.
	Unlock(ctx context.Context, containerID string) error
	// Exec runs a command inside the container under the given deadline and
	// returns its combined output.
	Exec(ctx context.Context, containerID string, timeout time.Duration, argv ...string) (string, error)
}

// PCT shells out to the pct utility.
type PCT struct {
	// commandContext allows mocking os/exec for testing.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// Statically assert that *PCT implements the Manager interface.
var _ Manager = (*PCT)(nil)

// NewPCT creates a pct-backed Manager. Pass exec.CommandContext in production.
func NewPCT(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *PCT {
	return &PCT{commandContext: commandContext}
}

// run executes pct with the given arguments and returns its combined output.
func (p *PCT) run(ctx context.Context, arg ...string) (string, error) {
	cmd := p.commandContext(ctx, "pct", arg...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	output := strings.TrimSpace(out.String())
	if err != nil {
		return output, fmt.Errorf("pct %s: %w (output: %s)", strings.Join(arg, " "), err, output)
	}
	return output, nil
}

func (p *PCT) ConfigExists(ctx context.Context, containerID string) (bool, error) {
	_, err := p.run(ctx, "config", containerID)
	if err != nil {
		// pct exits non-zero when the container is not configured here. That
		// is an answer, not a failure.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *PCT) Status(ctx context.Context, containerID string) (State, error) {
	out, err := p.run(ctx, "status", containerID)
	if err != nil {
		return StateUnknown, err
	}
	// Output format: "status: running"
	_, statusWord, found := strings.Cut(out, ":")
	if !found {
		return StateUnknown, fmt.Errorf("unexpected pct status output: %q", out)
	}
	return StateFromString(statusWord), nil
}

func (p *PCT) Start(ctx context.Context, containerID string) error {
	plog.Notice("START container", "container", containerID)
	_, err := p.run(ctx, "start", containerID)
	return err
}

func (p *PCT) Stop(ctx context.Context, containerID string) error {
	plog.Notice("STOP container", "container", containerID)
	_, err := p.run(ctx, "stop", containerID)
	if err != nil {
		// An already stopped container is not an error.
		state, statusErr := p.Status(ctx, containerID)
		if statusErr == nil && state == StateStopped {
			return nil
		}
		return err
	}
	return err
}

func (p *PCT) Unlock(ctx context.Context, containerID string) error {
	plog.Debug("Unlocking container management layer", "container", containerID)
	_, err := p.run(ctx, "unlock", containerID)
	return err
}

func (p *PCT) Exec(ctx context.Context, containerID string, timeout time.Duration, argv ...string) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{"exec", containerID, "--"}, argv...)
	out, err := p.run(execCtx, args...)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return out, fmt.Errorf("command in container %s timed out after %s: %w", containerID, timeout, execCtx.Err())
		}
		return out, err
	}
	return out, nil
}
