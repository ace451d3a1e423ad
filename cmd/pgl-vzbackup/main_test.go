package main

import (
	"flag"
	"os"
	"testing"
)

// runTestWithFlags is a helper to safely run tests that use the global flag package.
// It backs up and restores os.Args and resets the flag package for each run.
func runTestWithFlags(t *testing.T, args []string, testFunc func()) {
	t.Helper()

	// 1. Backup original os.Args and defer restoration.
	originalArgs := os.Args
	defer func() { os.Args = originalArgs }()

	// 2. Set os.Args for this specific test case.
	// The first element must be the program name.
	os.Args = append([]string{t.Name()}, args...)

	// 3. Reset the flag package to a clean state.
	// This is crucial because the flag package is global.
	flag.CommandLine = flag.NewFlagSet(t.Name(), flag.ContinueOnError)

	// 4. Run the actual test function.
	testFunc()
}

func TestParseFlagConfig(t *testing.T) {
	t.Run("No Flags - Returns Empty Flag Map", func(t *testing.T) {
		runTestWithFlags(t, []string{}, func() {
			act, setFlags, err := parseFlagConfig()
			if err != nil {
				t.Fatalf("expected no error, but got: %v", err)
			}
			if act != actionRunBackup {
				t.Errorf("expected action to be actionRunBackup, but got %v", act)
			}
			if len(setFlags) != 0 {
				t.Errorf("expected no flags to be set, but got %d", len(setFlags))
			}
		})
	})

	t.Run("Override Directories", func(t *testing.T) {
		args := []string{"-local-dir=/var/lib/vz/dump", "-target-dir=/mnt/backup"}
		runTestWithFlags(t, args, func() {
			_, setFlags, err := parseFlagConfig()
			if err != nil {
				t.Fatalf("expected no error, but got: %v", err)
			}
			if val, ok := setFlags["local-dir"]; !ok {
				t.Error("expected 'local-dir' flag to be in setFlags map")
			} else if val != "/var/lib/vz/dump" {
				t.Errorf("expected local-dir to be '/var/lib/vz/dump', but got %v", val)
			}

			if val, ok := setFlags["target-dir"]; !ok {
				t.Error("expected 'target-dir' flag to be in setFlags map")
			} else if val != "/mnt/backup" {
				t.Errorf("expected target-dir to be '/mnt/backup', but got %v", val)
			}
		})
	})

	t.Run("Version Flag Selects Action", func(t *testing.T) {
		runTestWithFlags(t, []string{"-version"}, func() {
			act, _, err := parseFlagConfig()
			if err != nil {
				t.Fatalf("expected no error, but got: %v", err)
			}
			if act != actionShowVersion {
				t.Errorf("expected action %v, but got %v", actionShowVersion, act)
			}
		})
	})

	t.Run("Containers Stays Raw For The Merge Layer", func(t *testing.T) {
		args := []string{"-containers=102,103, 104"}
		runTestWithFlags(t, args, func() {
			_, setFlags, err := parseFlagConfig()
			if err != nil {
				t.Fatalf("expected no error, but got: %v", err)
			}
			val, ok := setFlags["containers"]
			if !ok {
				t.Fatal("expected 'containers' flag to be in setFlags map")
			}
			if strVal, typeOK := val.(string); !typeOK || strVal != "102,103, 104" {
				t.Errorf("expected raw containers string, but got %v (type %T)", val, val)
			}
		})
	})

	t.Run("Set Retention Days Flag", func(t *testing.T) {
		args := []string{"-retention-days=14"}
		runTestWithFlags(t, args, func() {
			_, setFlags, err := parseFlagConfig()
			if err != nil {
				t.Fatalf("expected no error, but got: %v", err)
			}
			val, ok := setFlags["retention-days"]
			if !ok {
				t.Fatal("expected 'retention-days' flag to be in setFlags map")
			}
			if intVal, typeOK := val.(int); !typeOK || intVal != 14 {
				t.Errorf("expected retention-days to be 14, but got %v (type %T)", val, val)
			}
		})
	})

	t.Run("Override Check Mount", func(t *testing.T) {
		args := []string{"-check-mount=false"}
		runTestWithFlags(t, args, func() {
			_, setFlags, err := parseFlagConfig()
			if err != nil {
				t.Fatalf("expected no error, but got: %v", err)
			}
			val, ok := setFlags["check-mount"]
			if !ok {
				t.Fatal("expected 'check-mount' flag to be in setFlags map")
			}
			if boolVal, typeOK := val.(bool); !typeOK || boolVal != false {
				t.Errorf("expected check-mount to be false, but got %v (type %T)", val, val)
			}
		})
	})

	t.Run("Set Dry Run Flag", func(t *testing.T) {
		runTestWithFlags(t, []string{"-dry-run"}, func() {
			_, setFlags, err := parseFlagConfig()
			if err != nil {
				t.Fatalf("expected no error, but got: %v", err)
			}
			val, ok := setFlags["dry-run"]
			if !ok {
				t.Fatal("expected 'dry-run' flag to be in setFlags map")
			}
			if boolVal, typeOK := val.(bool); !typeOK || !boolVal {
				t.Errorf("expected dry-run to be true, but got %v (type %T)", val, val)
			}
		})
	})

	t.Run("Set Log Level Flag", func(t *testing.T) {
		args := []string{"-log-level=debug"}
		runTestWithFlags(t, args, func() {
			_, setFlags, err := parseFlagConfig()
			if err != nil {
				t.Fatalf("expected no error, but got: %v", err)
			}
			val, ok := setFlags["log-level"]
			if !ok {
				t.Fatal("expected 'log-level' flag to be in setFlags map")
			}
			if strVal, typeOK := val.(string); !typeOK || strVal != "debug" {
				t.Errorf("expected log-level to be 'debug', but got %v (type %T)", val, val)
			}
		})
	})
}
