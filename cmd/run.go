package cmd

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/paulschiretz/pgl-vzbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-vzbackup/pkg/config"
	"github.com/paulschiretz/pgl-vzbackup/pkg/ct"
	"github.com/paulschiretz/pgl-vzbackup/pkg/engine"
	"github.com/paulschiretz/pgl-vzbackup/pkg/health"
	"github.com/paulschiretz/pgl-vzbackup/pkg/locality"
	"github.com/paulschiretz/pgl-vzbackup/pkg/notify"
	"github.com/paulschiretz/pgl-vzbackup/pkg/plog"
	"github.com/paulschiretz/pgl-vzbackup/pkg/preflight"
	"github.com/paulschiretz/pgl-vzbackup/pkg/restore"
	"github.com/paulschiretz/pgl-vzbackup/pkg/retention"
	"github.com/paulschiretz/pgl-vzbackup/pkg/snapclean"
	"github.com/paulschiretz/pgl-vzbackup/pkg/upload"
	"github.com/paulschiretz/pgl-vzbackup/pkg/vzdump"
	"github.com/paulschiretz/pgl-vzbackup/pkg/zfs"
)

// RunBackup handles the logic for the main backup run.
func RunBackup(ctx context.Context, flagMap map[string]interface{}) error {
	// Load config from the given path (or the default location), then merge
	// the flag values over it to get the final run config.
	configPath, _ := flagMap["config"].(string)
	loadedConfig, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	runConfig := config.MergeFlags(loadedConfig, flagMap)

	runConfig, err = config.Finalize(runConfig)
	if err != nil {
		return err
	}

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(); err != nil {
		return err
	}

	// Set the global log level based on the final configuration.
	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))

	// Log the Summary
	runConfig.LogSummary()

	if err := runPreflight(runConfig); err != nil {
		return err
	}

	runner, notifier := buildRunner(runConfig)

	startTime := time.Now()
	summary := runner.Run(ctx)
	notifier.Flush()
	duration := time.Since(startTime).Round(time.Millisecond)

	if !summary.OK() {
		return fmt.Errorf("backup run finished with failures (see log and notifications)")
	}
	plog.Info(buildinfo.Name+" finished successfully.", "duration", duration)
	return nil
}

// runPreflight aborts the run before any container is touched if the host is
// not in a usable state.
func runPreflight(cfg config.Config) error {
	validator := preflight.NewValidator()

	if err := validator.CheckBackupToolPresent(vzdump.ToolName); err != nil {
		return err
	}
	if cfg.CheckMount && cfg.TargetDir != cfg.LocalDir {
		if err := validator.CheckTargetMounted(cfg.TargetDir); err != nil {
			return err
		}
	}
	if cfg.DryRun {
		// The write probe creates files; under dry run the mount and tool
		// checks above are enough.
		plog.Notice("[DRY RUN] Skipping directory write probes")
		return nil
	}
	if err := validator.CheckDirWritable(cfg.LocalDir); err != nil {
		return err
	}
	if err := validator.CheckDirWritable(cfg.TargetDir); err != nil {
		return err
	}
	return nil
}

// buildRunner wires the engine from its leaf workers. The notifier is
// returned separately so the caller can flush outstanding deliveries.
func buildRunner(cfg config.Config) (*engine.Runner, *notify.Notifier) {
	manager := ct.NewPCT(exec.CommandContext)

	var mailer notify.Mailer
	if cfg.Mail.Host != "" {
		mailer = notify.NewSMTPMailer(cfg.Mail)
	}
	notifier := notify.NewNotifier(mailer, cfg.MailTo, cfg.Node, cfg.DryRun)

	healthVerifier := health.NewVerifier(manager, health.Policy{
		MinProcessCount: cfg.Health.MinProcessCount,
		DeepChecks:      cfg.Health.DeepChecks,
		SettleDelay:     cfg.Health.SettleDelay(),
		DryRun:          cfg.DryRun,
	})

	runner := engine.NewRunner(
		locality.NewDetector(manager),
		engine.FileLocker{Dir: cfg.LockDir, Node: cfg.Node},
		snapclean.NewCleaner(zfs.NewCLI(exec.CommandContext), cfg.DryRun),
		vzdump.NewExecutor(exec.CommandContext, manager, vzdump.Options{
			DumpDir:     cfg.LocalDir,
			Compression: cfg.Compression,
			MailTo:      cfg.MailTo,
			DryRun:      cfg.DryRun,
		}),
		manager,
		restore.NewRestorer(manager, healthVerifier, cfg.Health.SettleDelay(), cfg.DryRun),
		upload.NewRetrier(cfg.LocalDir, cfg.TargetDir, cfg.DryRun),
		retention.NewPruner(cfg.TargetDir, cfg.RetentionWindow(), cfg.DryRun),
		notifier,
		engine.Options{
			Containers:  cfg.Containers,
			LocalDir:    cfg.LocalDir,
			SkipSameDay: cfg.SkipSameDay,
			Node:        cfg.Node,
			DryRun:      cfg.DryRun,
		},
	)
	return runner, notifier
}
