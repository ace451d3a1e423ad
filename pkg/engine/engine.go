// Package engine drives the per-container backup pipeline. For every
// container in the configured roster it runs locate, lock, snapshot cleanup,
// backup, state restore, upload and retention, records a per-step outcome and
// aggregates the run verdict. Failures are contained per container; one
// broken container never stops the roster.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-vzbackup/pkg/artifact"
	"github.com/paulschiretz/pgl-vzbackup/pkg/ct"
	"github.com/paulschiretz/pgl-vzbackup/pkg/hints"
	"github.com/paulschiretz/pgl-vzbackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-vzbackup/pkg/locality"
	"github.com/paulschiretz/pgl-vzbackup/pkg/notify"
	"github.com/paulschiretz/pgl-vzbackup/pkg/plog"
	"github.com/paulschiretz/pgl-vzbackup/pkg/vzdump"
)

// Verdict is the aggregate outcome for one container.
type Verdict int

const (
	// VerdictSuccess: backup, restore and upload all succeeded.
	VerdictSuccess Verdict = iota
	// VerdictPartial: the backup artifact exists but restore or upload failed.
	VerdictPartial
	// VerdictFailed: no usable backup was produced.
	VerdictFailed
	// VerdictSkipped: the container was not processed on this node this run.
	VerdictSkipped
)

func (v Verdict) String() string {
	switch v {
	case VerdictSuccess:
		return "success"
	case VerdictPartial:
		return "partial"
	case VerdictFailed:
		return "failed"
	case VerdictSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("unknown_verdict(%d)", v)
	}
}

// Job records what happened to one container.
type Job struct {
	ContainerID  string
	InitialState ct.State
	Verdict      Verdict
	// SkipReason explains a VerdictSkipped.
	SkipReason string
	// Step outcomes; meaningful only when the backup step ran.
	Created  bool
	Restored bool
	Uploaded bool
	// FailureStep and FailureDetail describe the first hard failure.
	FailureStep   string
	FailureDetail string
}

// Summary aggregates a finished run.
type Summary struct {
	Jobs     []Job
	Duration time.Duration
}

// OK reports whether every processed container fully succeeded. Skipped
// containers do not count against the run.
func (s Summary) OK() bool {
	for _, j := range s.Jobs {
		if j.Verdict != VerdictSuccess && j.Verdict != VerdictSkipped {
			return false
		}
	}
	return true
}

// Log narrates the per-container outcomes at the end of the run.
func (s Summary) Log() {
	for _, j := range s.Jobs {
		switch j.Verdict {
		case VerdictSkipped:
			plog.Info("Run summary", "container", j.ContainerID, "verdict", j.Verdict, "reason", j.SkipReason)
		case VerdictSuccess:
			plog.Info("Run summary", "container", j.ContainerID, "verdict", j.Verdict)
		default:
			plog.Info("Run summary", "container", j.ContainerID, "verdict", j.Verdict, "step", j.FailureStep, "detail", j.FailureDetail)
		}
	}
	plog.Notice("Run complete", "containers", len(s.Jobs), "duration", s.Duration.Round(time.Second))
}

// Report converts the summary into the notification report shape. Partial
// outcomes count as failures: the operator has something to fix either way.
func (s Summary) Report(node string, dryRun bool) notify.Report {
	r := notify.Report{Node: node, Duration: s.Duration, DryRun: dryRun}
	for _, j := range s.Jobs {
		switch j.Verdict {
		case VerdictSuccess:
			r.Succeeded = append(r.Succeeded, j.ContainerID)
		case VerdictSkipped:
			r.Skipped = append(r.Skipped, j.ContainerID)
		default:
			r.Failed = append(r.Failed, j.ContainerID)
		}
	}
	return r
}

// Narrow collaborator surfaces, satisfied by the concrete packages.
type (
	// Detector classifies container locality on this node.
	Detector interface {
		Detect(ctx context.Context, containerID string) (locality.Locality, error)
	}
	// Locker acquires the per-container cluster lock.
	Locker interface {
		Acquire(ctx context.Context, containerID string) (Releaser, error)
	}
	// Releaser releases an acquired lock. Release is idempotent.
	Releaser interface {
		Release()
	}
	// SnapshotCleaner removes stale snapshots from a prior failed run.
	SnapshotCleaner interface {
		CleanupStaleSnapshots(ctx context.Context, containerID string)
	}
	// BackupExecutor runs the backup tool for a container.
	BackupExecutor interface {
		Execute(ctx context.Context, containerID string) vzdump.Result
	}
	// StateReader answers the container's current run state.
	StateReader interface {
		Status(ctx context.Context, containerID string) (ct.State, error)
	}
	// StateRestorer returns a container to its pre-backup state.
	StateRestorer interface {
		Restore(ctx context.Context, containerID string, initialState ct.State) error
	}
	// Uploader moves fresh artifacts to target storage.
	Uploader interface {
		Upload(ctx context.Context, containerID string) error
	}
	// Pruner enforces retention in target storage.
	Pruner interface {
		Prune(ctx context.Context, containerID string) (int, error)
	}
	// EventSink receives run lifecycle events.
	EventSink interface {
		RunStarted(containers []string)
		ContainerFailed(containerID, step, detail string)
		RunFinished(report notify.Report)
	}
)

// Options tune the Runner.
type Options struct {
	// Containers is the roster, processed in order.
	Containers []string
	// LocalDir is consulted for the same-day skip check.
	LocalDir string
	// SkipSameDay skips containers that already have an artifact from today.
	SkipSameDay bool
	// Node identifies this host in the run report.
	Node string
	// DryRun suppresses lock acquisition; the leaf components carry their own
	// dry-run behavior.
	DryRun bool
}

// Runner executes the full backup run.
type Runner struct {
	detector Detector
	locker   Locker
	cleaner  SnapshotCleaner
	backup   BackupExecutor
	states   StateReader
	restorer StateRestorer
	uploader Uploader
	pruner   Pruner
	events   EventSink
	opts     Options

	// now is injectable for tests.
	now func() time.Time
}

// NewRunner wires a Runner from its collaborators.
func NewRunner(detector Detector, locker Locker, cleaner SnapshotCleaner, backup BackupExecutor,
	states StateReader, restorer StateRestorer, uploader Uploader, pruner Pruner,
	events EventSink, opts Options) *Runner {
	return &Runner{
		detector: detector,
		locker:   locker,
		cleaner:  cleaner,
		backup:   backup,
		states:   states,
		restorer: restorer,
		uploader: uploader,
		pruner:   pruner,
		events:   events,
		opts:     opts,
		now:      time.Now,
	}
}

// Run processes the whole roster and returns the run summary.
func (r *Runner) Run(ctx context.Context) Summary {
	start := r.now()
	r.events.RunStarted(r.opts.Containers)

	var summary Summary
	for _, id := range r.opts.Containers {
		if err := ctx.Err(); err != nil {
			plog.Warn("Run cancelled, remaining containers skipped", "error", err)
			summary.Jobs = append(summary.Jobs, Job{
				ContainerID: id,
				Verdict:     VerdictSkipped,
				SkipReason:  "run cancelled",
			})
			continue
		}
		job := r.process(ctx, id)
		summary.Jobs = append(summary.Jobs, job)
		plog.Notice("Container done", "container", id, "verdict", job.Verdict)
	}

	summary.Duration = r.now().Sub(start)
	summary.Log()
	r.events.RunFinished(summary.Report(r.opts.Node, r.opts.DryRun))
	return summary
}

// process runs the pipeline for a single container.
func (r *Runner) process(ctx context.Context, id string) Job {
	job := Job{ContainerID: id, InitialState: ct.StateUnknown}
	plog.Notice("Processing container", "container", id)

	// Locality decides whether this node owns the container at all.
	where, err := r.detector.Detect(ctx, id)
	if err != nil {
		return r.fail(job, "locate", err)
	}
	switch where {
	case locality.Absent:
		return r.skip(job, "not configured on this node")
	case locality.Remote:
		return r.skip(job, "owned by another node")
	}

	if r.opts.SkipSameDay {
		fresh, err := artifact.FindSince(r.opts.LocalDir, id, artifact.StartOfDay(r.now()))
		if err == nil && len(fresh) > 0 {
			return r.skip(job, "artifact from today already exists")
		}
	}

	// The cluster lock guards the rest of the pipeline. Its release is
	// deferred so no exit path below can leak it.
	release, err := r.acquire(ctx, id)
	if err != nil {
		// An actively held lock is a hint, not a fault: another node or run
		// is already handling the container.
		if hints.IsHint(err) {
			return r.skip(job, err.Error())
		}
		return r.fail(job, "lock", err)
	}
	defer release.Release()

	// The pre-backup state decides what restore means later.
	job.InitialState, err = r.states.Status(ctx, id)
	if err != nil {
		return r.fail(job, "status", err)
	}

	r.cleaner.CleanupStaleSnapshots(ctx, id)

	result := r.backup.Execute(ctx, id)
	if !result.Success {
		step := "backup"
		if result.TimedOut {
			step = "backup timeout"
		}
		return r.fail(job, step, result.Err)
	}
	job.Created = true

	// Restore and upload are independent: a failed restore must not prevent
	// the artifact from reaching safe storage, and vice versa.
	if err := r.restorer.Restore(ctx, id, job.InitialState); err != nil {
		r.events.ContainerFailed(id, "restore", err.Error())
		job.FailureStep, job.FailureDetail = "restore", err.Error()
	} else {
		job.Restored = true
	}

	if err := r.uploader.Upload(ctx, id); err != nil {
		r.events.ContainerFailed(id, "upload", err.Error())
		if job.FailureStep == "" {
			job.FailureStep, job.FailureDetail = "upload", err.Error()
		}
	} else {
		job.Uploaded = true
	}

	// Retention runs whenever a backup was produced, regardless of the
	// restore and upload outcomes.
	if _, err := r.pruner.Prune(ctx, id); err != nil {
		plog.Warn("Retention interrupted", "container", id, "error", err)
	}

	if job.Restored && job.Uploaded {
		job.Verdict = VerdictSuccess
	} else {
		job.Verdict = VerdictPartial
	}
	return job
}

// acquire takes the cluster lock, or fakes it under dry run.
func (r *Runner) acquire(ctx context.Context, id string) (Releaser, error) {
	if r.opts.DryRun {
		plog.Notice("[DRY RUN] Acquiring cluster lock", "container", id)
		return noopReleaser{}, nil
	}
	return r.locker.Acquire(ctx, id)
}

type noopReleaser struct{}

func (noopReleaser) Release() {}

func (r *Runner) skip(job Job, reason string) Job {
	plog.Notice("Skipping container", "container", job.ContainerID, "reason", reason)
	job.Verdict = VerdictSkipped
	job.SkipReason = reason
	return job
}

func (r *Runner) fail(job Job, step string, err error) Job {
	detail := "unknown failure"
	if err != nil {
		detail = err.Error()
	}
	r.events.ContainerFailed(job.ContainerID, step, detail)
	job.Verdict = VerdictFailed
	job.FailureStep = step
	job.FailureDetail = detail
	return job
}

// FileLocker adapts the lockfile package to the Locker interface.
type FileLocker struct {
	Dir  string
	Node string
}

var _ Locker = FileLocker{}

// Acquire takes the per-container lock file.
func (l FileLocker) Acquire(ctx context.Context, containerID string) (Releaser, error) {
	lock, err := lockfile.Acquire(ctx, l.Dir, containerID, l.Node)
	if err != nil {
		return nil, err
	}
	return lock, nil
}
