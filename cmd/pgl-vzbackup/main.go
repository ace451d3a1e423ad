package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/paulschiretz/pgl-vzbackup/cmd"
	"github.com/paulschiretz/pgl-vzbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-vzbackup/pkg/plog"
)

// action defines a special command to execute instead of a backup run.
type action int

const (
	actionRunBackup action = iota // The default action is to run the backup.
	actionShowVersion
)

// init sets up a custom, more descriptive help message for the flags.
func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s (version %s):\n", buildinfo.Name, buildinfo.Version)
		fmt.Fprintf(flag.CommandLine.Output(), "A nightly LXC container backup orchestrator for Proxmox VE nodes.\n\n")
		flag.PrintDefaults()
	}
}

// parseFlagConfig defines and parses command-line flags, and constructs a
// map containing only the values explicitly provided by those flags.
func parseFlagConfig() (action, map[string]interface{}, error) {
	// --- Flag Design Philosophy ---
	// Flags are exposed for options that are useful to override for a single
	// run (e.g., -dry-run, -containers=102, -log-level=debug).
	//
	// Strategic options that define long-term behavior (retention, health
	// thresholds, mail transport) live in the config file only, so nightly
	// runs behave predictably.

	configFlag := flag.String("config", "", "Path to the configuration file.")
	containersFlag := flag.String("containers", "", "Comma-separated list of container IDs to process, overriding the config.")
	localDirFlag := flag.String("local-dir", "", "Directory where the backup tool writes artifacts.")
	targetDirFlag := flag.String("target-dir", "", "Target storage directory artifacts are moved to.")
	retentionDaysFlag := flag.Int("retention-days", 0, "Prune artifacts in the target directory older than this many days.")
	mailToFlag := flag.String("mail-to", "", "Notification recipient address.")
	compressionFlag := flag.String("compression", "", "Backup compression codec: 'zstd', 'gzip' or 'lzo'.")
	checkMountFlag := flag.Bool("check-mount", true, "Require the target directory to be on a mounted filesystem.")
	skipSameDayFlag := flag.Bool("skip-same-day", false, "Skip containers that already have an artifact from today.")
	logLevelFlag := flag.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	dryRunFlag := flag.Bool("dry-run", false, "Show what would be done without making any changes.")
	versionFlag := flag.Bool("version", false, "Print the application version and exit.")

	flag.Parse()

	// Create a map of the flags that were explicitly set by the user, along
	// with their values. This map selectively overrides the base config.
	usedFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]interface{})

	// Helper to add a value to the map only if the corresponding flag was set.
	addIfUsed := func(name string, value interface{}) {
		if usedFlags[name] {
			flagMap[name] = value
		}
	}

	addIfUsed("config", *configFlag)
	addIfUsed("containers", *containersFlag)
	addIfUsed("local-dir", *localDirFlag)
	addIfUsed("target-dir", *targetDirFlag)
	addIfUsed("retention-days", *retentionDaysFlag)
	addIfUsed("mail-to", *mailToFlag)
	addIfUsed("compression", *compressionFlag)
	addIfUsed("check-mount", *checkMountFlag)
	addIfUsed("skip-same-day", *skipSameDayFlag)
	addIfUsed("log-level", *logLevelFlag)
	addIfUsed("dry-run", *dryRunFlag)

	if *versionFlag {
		return actionShowVersion, flagMap, nil
	}
	return actionRunBackup, flagMap, nil
}

// run encapsulates the main application logic and returns an error if
// something goes wrong, allowing main to handle exit codes.
func run(ctx context.Context) error {
	action, flagMap, err := parseFlagConfig()
	if err != nil {
		return err
	}

	switch action {
	case actionShowVersion:
		return cmd.RunVersion(buildinfo.Name, buildinfo.Version)
	case actionRunBackup:
		plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())
		return cmd.RunBackup(ctx, flagMap)
	default:
		return fmt.Errorf("internal error: unknown action %d", action)
	}
}

func main() {
	// Set up a context that is canceled when an interrupt signal is received.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := run(ctx); err != nil {
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		os.Exit(1)
	}
}
