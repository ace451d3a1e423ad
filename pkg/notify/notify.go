// Package notify publishes run lifecycle events to the operator by mail.
// Delivery is asynchronous and strictly best effort: a notification that
// cannot be delivered is logged and forgotten, it never changes the outcome
// of the backup run.
package notify

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-vzbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-vzbackup/pkg/plog"
)

// Report summarizes a finished run for the closing notification.
type Report struct {
	Node      string
	Succeeded []string
	Failed    []string
	Skipped   []string
	Duration  time.Duration
	DryRun    bool
}

// Verdict returns the overall run outcome as a word.
func (r Report) Verdict() string {
	if len(r.Failed) > 0 {
		return "FAILED"
	}
	return "OK"
}

// Notifier dispatches notifications in the background. All methods return
// immediately; call Flush before process exit to join outstanding deliveries.
type Notifier struct {
	mailer Mailer
	to     string
	node   string
	dryRun bool

	group errgroup.Group
}

// NewNotifier creates a Notifier. A nil mailer or empty recipient disables
// delivery; events are then logged only.
func NewNotifier(mailer Mailer, to, node string, dryRun bool) *Notifier {
	return &Notifier{mailer: mailer, to: to, node: node, dryRun: dryRun}
}

// RunStarted announces the beginning of a run. Logged only, never mailed.
func (n *Notifier) RunStarted(containers []string) {
	plog.Notice("Backup run started", "node", n.node, "containers", containers, "dryRun", n.dryRun)
}

// ContainerFailed reports a per-container failure as it happens, so the
// operator learns about a broken container before the run finishes.
func (n *Notifier) ContainerFailed(containerID, step, detail string) {
	plog.Error("Container step failed", "container", containerID, "step", step, "detail", detail)

	subject := fmt.Sprintf("[%s] %s: container %s failed during %s", buildinfo.Name, n.node, containerID, step)
	body := fmt.Sprintf("Node:      %s\nContainer: %s\nStep:      %s\n\n%s\n", n.node, containerID, step, detail)
	n.dispatch(subject, body)
}

// RunFinished reports the closing summary of the run.
func (n *Notifier) RunFinished(report Report) {
	plog.Notice("Backup run finished",
		"node", n.node,
		"verdict", report.Verdict(),
		"succeeded", len(report.Succeeded),
		"failed", len(report.Failed),
		"skipped", len(report.Skipped),
		"duration", report.Duration.Round(time.Second),
	)

	subject := fmt.Sprintf("[%s] %s: backup run %s (%d ok, %d failed, %d skipped)",
		buildinfo.Name, n.node, report.Verdict(), len(report.Succeeded), len(report.Failed), len(report.Skipped))
	n.dispatch(subject, formatReport(report))
}

// Flush waits for all outstanding deliveries to finish.
func (n *Notifier) Flush() {
	_ = n.group.Wait() // delivery errors are already logged in dispatch
}

// dispatch hands one message to the mailer in the background.
func (n *Notifier) dispatch(subject, body string) {
	if n.mailer == nil || n.to == "" {
		return
	}
	if n.dryRun {
		plog.Notice("[DRY RUN] SEND MAIL", "to", n.to, "subject", subject)
		return
	}

	to := n.to
	n.group.Go(func() error {
		if err := n.mailer.Send(subject, body, to); err != nil {
			plog.Warn("Notification delivery failed", "to", to, "subject", subject, "error", err)
		}
		return nil
	})
}

func formatReport(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Node:     %s\n", r.Node)
	fmt.Fprintf(&b, "Verdict:  %s\n", r.Verdict())
	fmt.Fprintf(&b, "Duration: %s\n", r.Duration.Round(time.Second))
	if r.DryRun {
		b.WriteString("Mode:     dry run\n")
	}
	b.WriteString("\n")

	writeSection(&b, "Succeeded", r.Succeeded)
	writeSection(&b, "Failed", r.Failed)
	writeSection(&b, "Skipped", r.Skipped)
	return b.String()
}

func writeSection(b *strings.Builder, title string, ids []string) {
	if len(ids) == 0 {
		return
	}
	fmt.Fprintf(b, "%s (%d):\n", title, len(ids))
	for _, id := range ids {
		fmt.Fprintf(b, "  - %s\n", id)
	}
	b.WriteString("\n")
}
