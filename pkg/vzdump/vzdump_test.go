package vzdump_test

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-vzbackup/pkg/ct"
	"github.com/paulschiretz/pgl-vzbackup/pkg/vzdump"
)

// TestHelperProcess impersonates the vzdump binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) == 0 {
		os.Exit(1)
	}
	switch args[0] {
	case "ok":
		os.Stdout.WriteString("INFO: Backup job finished successfully\n")
		os.Exit(0)
	case "timeout-code":
		os.Stderr.WriteString("ERROR: killed by timeout supervisor\n")
		os.Exit(124)
	case "fail":
		os.Stderr.WriteString("ERROR: Backup of VM failed - command error\n")
		os.Exit(2)
	case "hang":
		time.Sleep(5 * time.Second)
		os.Exit(0)
	default:
		os.Exit(0)
	}
}

func mockCommandContext(scenario string, captured *[]string) func(ctx context.Context, name string, arg ...string) *exec.Cmd {
	return func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		if captured != nil {
			*captured = append([]string{name}, arg...)
		}
		cs := []string{"-test.run=TestHelperProcess", "--", scenario}
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = []string{"GO_WANT_HELPER_PROCESS=1"}
		return cmd
	}
}

// recordingManager counts unlock calls.
type recordingManager struct {
	unlockCalls int
}

func (m *recordingManager) ConfigExists(ctx context.Context, id string) (bool, error) {
	return true, nil
}
func (m *recordingManager) Status(ctx context.Context, id string) (ct.State, error) {
	return ct.StateRunning, nil
}
func (m *recordingManager) Start(ctx context.Context, id string) error  { return nil }
func (m *recordingManager) Stop(ctx context.Context, id string) error   { return nil }
func (m *recordingManager) Unlock(ctx context.Context, id string) error { m.unlockCalls++; return nil }
func (m *recordingManager) Exec(ctx context.Context, id string, timeout time.Duration, argv ...string) (string, error) {
	return "", nil
}

func defaultOptions() vzdump.Options {
	return vzdump.Options{
		DumpDir:     "/var/lib/vz/dump",
		Compression: "zstd",
		MailTo:      "ops@example.com",
	}
}

func TestExecuteSuccess(t *testing.T) {
	mgr := &recordingManager{}
	var captured []string
	e := vzdump.NewExecutor(mockCommandContext("ok", &captured), mgr, defaultOptions())

	res := e.Execute(context.Background(), "102")
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.TimedOut {
		t.Error("success must not be marked as timed out")
	}
	if mgr.unlockCalls != 1 {
		t.Errorf("unlock calls = %d, want 1 (unlock is unconditional)", mgr.unlockCalls)
	}

	cmdLine := strings.Join(captured, " ")
	for _, want := range []string{"vzdump 102", "--dumpdir /var/lib/vz/dump", "--mode snapshot", "--compress zstd", "--mailto ops@example.com"} {
		if !strings.Contains(cmdLine, want) {
			t.Errorf("command line %q missing %q", cmdLine, want)
		}
	}
}

func TestExecuteFailure(t *testing.T) {
	mgr := &recordingManager{}
	e := vzdump.NewExecutor(mockCommandContext("fail", nil), mgr, defaultOptions())

	res := e.Execute(context.Background(), "103")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.TimedOut {
		t.Error("plain failure must not be marked as timeout")
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "103") {
		t.Errorf("failure detail should name the container: %v", res.Err)
	}
	if mgr.unlockCalls != 1 {
		t.Errorf("unlock calls = %d, want 1 even on failure", mgr.unlockCalls)
	}
}

func TestExecuteTimeoutExitCode(t *testing.T) {
	mgr := &recordingManager{}
	e := vzdump.NewExecutor(mockCommandContext("timeout-code", nil), mgr, defaultOptions())

	res := e.Execute(context.Background(), "103")
	if res.Success {
		t.Fatal("expected failure")
	}
	if !res.TimedOut {
		t.Error("exit code 124 must be reported as a timeout")
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "timed out") {
		t.Errorf("expected timeout-specific detail, got: %v", res.Err)
	}
	if mgr.unlockCalls != 1 {
		t.Errorf("unlock calls = %d, want 1 even on timeout", mgr.unlockCalls)
	}
}

func TestExecuteDeadline(t *testing.T) {
	mgr := &recordingManager{}
	opts := defaultOptions()
	opts.Timeout = 100 * time.Millisecond
	e := vzdump.NewExecutor(mockCommandContext("hang", nil), mgr, opts)

	res := e.Execute(context.Background(), "103")
	if res.Success {
		t.Fatal("expected failure")
	}
	if !res.TimedOut {
		t.Error("a killed invocation must be reported as a timeout")
	}
	if mgr.unlockCalls != 1 {
		t.Errorf("unlock calls = %d, want 1 even when killed", mgr.unlockCalls)
	}
}

func TestExecuteDryRun(t *testing.T) {
	mgr := &recordingManager{}
	var captured []string
	opts := defaultOptions()
	opts.DryRun = true
	e := vzdump.NewExecutor(mockCommandContext("ok", &captured), mgr, opts)

	res := e.Execute(context.Background(), "102")
	if !res.Success {
		t.Fatalf("dry run should report success, got %+v", res)
	}
	if len(captured) != 0 {
		t.Errorf("dry run invoked the backup tool: %v", captured)
	}
	if mgr.unlockCalls != 0 {
		t.Errorf("dry run issued an unlock: %d calls", mgr.unlockCalls)
	}
}
