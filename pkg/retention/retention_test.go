package retention

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-vzbackup/pkg/plog"
)

func writeAged(t *testing.T, dir, name string, age time.Duration) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func names(t *testing.T, dir string) map[string]bool {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		out[e.Name()] = true
	}
	return out
}

const day = 24 * time.Hour

func TestPruneRemovesOnlyAgedArtifacts(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "vzdump-lxc-102-2026_08_13-01_30_00.tar.zst", 10*day)
	writeAged(t, dir, "vzdump-lxc-102-2026_08_13-01_30_00.log", 10*day)
	writeAged(t, dir, "vzdump-lxc-102-2026_08_21-01_30_00.tar.zst", 2*day)
	writeAged(t, dir, "vzdump-lxc-102-2026_08_23-01_30_00.tar.zst", time.Hour)

	pruned, err := NewPruner(dir, 7*day, false).Prune(context.Background(), "102")
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if pruned != 2 {
		t.Errorf("pruned = %d, want 2", pruned)
	}

	remaining := names(t, dir)
	if remaining["vzdump-lxc-102-2026_08_13-01_30_00.tar.zst"] {
		t.Error("aged payload artifact survived pruning")
	}
	if remaining["vzdump-lxc-102-2026_08_13-01_30_00.log"] {
		t.Error("aged companion log survived pruning")
	}
	if !remaining["vzdump-lxc-102-2026_08_21-01_30_00.tar.zst"] {
		t.Error("in-window artifact was pruned")
	}
	if !remaining["vzdump-lxc-102-2026_08_23-01_30_00.tar.zst"] {
		t.Error("fresh artifact was pruned")
	}
}

func TestPruneLeavesOtherContainersAlone(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "vzdump-lxc-102-2026_08_13-01_30_00.tar.zst", 10*day)
	writeAged(t, dir, "vzdump-lxc-103-2026_08_13-01_30_00.tar.zst", 10*day)
	writeAged(t, dir, "unrelated-file.txt", 10*day)

	if _, err := NewPruner(dir, 7*day, false).Prune(context.Background(), "102"); err != nil {
		t.Fatalf("prune failed: %v", err)
	}

	remaining := names(t, dir)
	if !remaining["vzdump-lxc-103-2026_08_13-01_30_00.tar.zst"] {
		t.Error("another container's artifact was pruned")
	}
	if !remaining["unrelated-file.txt"] {
		t.Error("non-artifact file was pruned")
	}
}

func TestPruneMissingDirectoryDoesNotFail(t *testing.T) {
	p := NewPruner(filepath.Join(t.TempDir(), "does-not-exist"), 7*day, false)
	pruned, err := p.Prune(context.Background(), "102")
	if err != nil {
		t.Fatalf("missing target directory must not fail the job: %v", err)
	}
	if pruned != 0 {
		t.Errorf("pruned = %d, want 0", pruned)
	}
}

// pruneEvents extracts the path argument of every PRUNE decision line, in
// order, regardless of the dry-run prefix on the message.
func pruneEvents(out string) []string {
	var events []string
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "PRUNE") {
			continue
		}
		start := strings.Index(line, " path=")
		if start < 0 {
			continue
		}
		rest := line[start+len(" path="):]
		if end := strings.Index(rest, " age="); end >= 0 {
			rest = rest[:end]
		}
		events = append(events, rest)
	}
	return events
}

// TestPruneDryRunNarratesTheSameDeletes checks that a dry run announces
// exactly the deletions a real run performs, in the same order.
func TestPruneDryRunNarratesTheSameDeletes(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "vzdump-lxc-102-2026_08_10-01_30_00.tar.zst", 13*day)
	writeAged(t, dir, "vzdump-lxc-102-2026_08_13-01_30_00.tar.zst", 10*day)
	writeAged(t, dir, "vzdump-lxc-102-2026_08_23-01_30_00.tar.zst", time.Hour)

	capture := func(dryRun bool) string {
		var buf bytes.Buffer
		plog.SetOutput(&buf)
		if _, err := NewPruner(dir, 7*day, dryRun).Prune(context.Background(), "102"); err != nil {
			t.Fatalf("prune failed: %v", err)
		}
		return buf.String()
	}

	dryDeletes := pruneEvents(capture(true))
	liveDeletes := pruneEvents(capture(false))

	if len(dryDeletes) != 2 {
		t.Fatalf("dry run narrated %d deletes, want 2: %v", len(dryDeletes), dryDeletes)
	}
	if !reflect.DeepEqual(dryDeletes, liveDeletes) {
		t.Errorf("dry-run decision sequence diverges from the real run:\ndry:  %v\nreal: %v", dryDeletes, liveDeletes)
	}
}

func TestPruneDryRunDeletesNothing(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "vzdump-lxc-102-2026_08_13-01_30_00.tar.zst", 10*day)

	pruned, err := NewPruner(dir, 7*day, true).Prune(context.Background(), "102")
	if err != nil {
		t.Fatalf("dry-run prune failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1 (reported, not deleted)", pruned)
	}
	if !names(t, dir)["vzdump-lxc-102-2026_08_13-01_30_00.tar.zst"] {
		t.Error("dry run deleted an artifact")
	}
}
