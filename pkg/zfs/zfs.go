// Package zfs wraps the host's dataset management tool. Only the two
// operations the pipeline consumes are exposed: existence checks and snapshot
// destruction.
package zfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/paulschiretz/pgl-vzbackup/pkg/plog"
)

// SnapshotManager is the consumed interface of the dataset management tool.
type SnapshotManager interface {
	// DatasetExists reports whether the named dataset exists.
	DatasetExists(ctx context.Context, dataset string) (bool, error)
	// SnapshotExists reports whether the named snapshot (dataset@name) exists.
	SnapshotExists(ctx context.Context, snapshot string) (bool, error)
	// DestroySnapshot destroys the named snapshot (dataset@name).
	DestroySnapshot(ctx context.Context, snapshot string) error
}

// CLI shells out to the zfs utility.
type CLI struct {
	// commandContext allows mocking os/exec for testing.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// Statically assert that *CLI implements the SnapshotManager interface.
var _ SnapshotManager = (*CLI)(nil)

// NewCLI creates a zfs-backed SnapshotManager. Pass exec.CommandContext in
// production.
func NewCLI(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *CLI {
	return &CLI{commandContext: commandContext}
}

func (c *CLI) run(ctx context.Context, arg ...string) (string, error) {
	cmd := c.commandContext(ctx, "zfs", arg...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	output := strings.TrimSpace(out.String())
	if err != nil {
		return output, fmt.Errorf("zfs %s: %w (output: %s)", strings.Join(arg, " "), err, output)
	}
	return output, nil
}

// list reports whether `zfs list <name>` succeeds. A non-zero exit means the
// dataset or snapshot does not exist; any other failure is a real error.
func (c *CLI) list(ctx context.Context, args ...string) (bool, error) {
	_, err := c.run(ctx, args...)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *CLI) DatasetExists(ctx context.Context, dataset string) (bool, error) {
	return c.list(ctx, "list", dataset)
}

func (c *CLI) SnapshotExists(ctx context.Context, snapshot string) (bool, error) {
	return c.list(ctx, "list", "-t", "snapshot", snapshot)
}

func (c *CLI) DestroySnapshot(ctx context.Context, snapshot string) error {
	plog.Notice("DESTROY snapshot", "snapshot", snapshot)
	_, err := c.run(ctx, "destroy", snapshot)
	return err
}
