package snapclean

import (
	"context"
	"errors"
	"testing"
)

// fakeSnapshots is a scriptable zfs.SnapshotManager recording destroy calls.
type fakeSnapshots struct {
	datasets   map[string]bool
	snapshots  map[string]bool
	destroyErr error

	destroyed []string
}

func (f *fakeSnapshots) DatasetExists(ctx context.Context, dataset string) (bool, error) {
	return f.datasets[dataset], nil
}
func (f *fakeSnapshots) SnapshotExists(ctx context.Context, snapshot string) (bool, error) {
	return f.snapshots[snapshot], nil
}
func (f *fakeSnapshots) DestroySnapshot(ctx context.Context, snapshot string) error {
	f.destroyed = append(f.destroyed, snapshot)
	return f.destroyErr
}

func TestCleanupDestroysOnlyExistingSnapshots(t *testing.T) {
	fake := &fakeSnapshots{
		datasets: map[string]bool{
			"rpool/data/subvol-102-disk-0": true,
			"tank/subvol-102-disk-0":       true,
		},
		snapshots: map[string]bool{
			"rpool/data/subvol-102-disk-0@vzdump": true,
			// tank dataset exists but carries no stale snapshot.
		},
	}

	NewCleaner(fake, false).CleanupStaleSnapshots(context.Background(), "102")

	if len(fake.destroyed) != 1 {
		t.Fatalf("destroyed = %v, want exactly one snapshot", fake.destroyed)
	}
	if fake.destroyed[0] != "rpool/data/subvol-102-disk-0@vzdump" {
		t.Errorf("destroyed wrong snapshot: %s", fake.destroyed[0])
	}
}

func TestCleanupSwallowsDestroyErrors(t *testing.T) {
	fake := &fakeSnapshots{
		datasets:   map[string]bool{"rpool/data/subvol-102-disk-0": true},
		snapshots:  map[string]bool{"rpool/data/subvol-102-disk-0@vzdump": true},
		destroyErr: errors.New("dataset is busy"),
	}

	// Must not panic; the method has no error return to propagate.
	NewCleaner(fake, false).CleanupStaleSnapshots(context.Background(), "102")
}

func TestCleanupDryRunDoesNotDestroy(t *testing.T) {
	fake := &fakeSnapshots{
		datasets:  map[string]bool{"rpool/data/subvol-102-disk-0": true},
		snapshots: map[string]bool{"rpool/data/subvol-102-disk-0@vzdump": true},
	}

	NewCleaner(fake, true).CleanupStaleSnapshots(context.Background(), "102")

	if len(fake.destroyed) != 0 {
		t.Errorf("dry run destroyed snapshots: %v", fake.destroyed)
	}
}
