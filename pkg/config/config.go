// Package config defines the immutable run configuration. It is constructed
// once in the command layer from defaults, an optional JSON config file and
// command-line overrides, and is passed by value into every component. No
// component reads the process environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/paulschiretz/pgl-vzbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-vzbackup/pkg/plog"
	"github.com/paulschiretz/pgl-vzbackup/pkg/util"
)

// ConfigFileName is the default name of the configuration file, looked up in
// the working directory unless an explicit path is given.
const ConfigFileName = "pgl-vzbackup.config.json"

// Compression codecs accepted by the backup tool.
const (
	CompressionZstd = "zstd"
	CompressionGzip = "gzip"
	CompressionLzo  = "lzo"
)

var validCompression = map[string]bool{
	CompressionZstd: true,
	CompressionGzip: true,
	CompressionLzo:  true,
}

// HealthConfig tunes the functional health verifier.
type HealthConfig struct {
	// MinProcessCount is the minimum number of processes a healthy container
	// is expected to run.
	MinProcessCount int `json:"minProcessCount"`
	// DeepChecks additionally verifies system load reportability and that
	// in-container disk usage stays below the critical threshold.
	DeepChecks bool `json:"deepChecks"`
	// SettleSeconds is the wait after issuing a start before re-probing.
	SettleSeconds int `json:"settleSeconds"`
}

// MailConfig describes the SMTP transport used for notifications.
// An empty Host disables mail entirely (events are logged only).
type MailConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	From     string `json:"from"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Config is the effective configuration for a single run.
type Config struct {
	Version string `json:"version"`

	// LocalDir is where the backup tool writes artifacts.
	LocalDir string `json:"localDir"`
	// TargetDir is the remote/target storage directory artifacts are moved to.
	TargetDir string `json:"targetDir"`
	// Containers is the roster of container IDs to process, in order.
	Containers []string `json:"containers"`
	// RetentionDays is the age in days beyond which artifacts in TargetDir
	// are pruned.
	RetentionDays int `json:"retentionDays"`
	// MailTo is the notification recipient, also handed to the backup tool.
	MailTo string `json:"mailTo"`
	// Compression is the codec passed to the backup tool: zstd, gzip or lzo.
	Compression string `json:"compression"`
	// CheckMount requires TargetDir (or an ancestor) to be a mount point
	// before anything is written.
	CheckMount bool `json:"checkMount"`
	// SkipSameDay skips containers that already have an artifact from the
	// current calendar day. Off by default so manual re-runs are possible.
	SkipSameDay bool `json:"skipSameDay"`
	// LockDir holds the per-container cluster lock files.
	LockDir string `json:"lockDir"`
	// Node identifies this cluster node in lock files. Defaults to hostname.
	Node string `json:"node"`

	LogLevel string       `json:"logLevel"`
	Health   HealthConfig `json:"health"`
	Mail     MailConfig   `json:"mail"`

	// DryRun substitutes all mutating external calls with no-ops while
	// preserving the full decision logic and logging. Never persisted.
	DryRun bool `json:"-"`
}

// NewDefault creates and returns a Config with sensible defaults.
func NewDefault() Config {
	return Config{
		Version:       buildinfo.Version,
		LocalDir:      "/var/lib/vz/dump",
		TargetDir:     "", // Intentionally empty to force user configuration.
		Containers:    nil,
		RetentionDays: 7,
		MailTo:        "",
		Compression:   CompressionZstd,
		CheckMount:    true,
		SkipSameDay:   false,
		LockDir:       os.TempDir(),
		Node:          "", // Resolved to hostname during Finalize.
		LogLevel:      "info",
		Health: HealthConfig{
			MinProcessCount: 3,
			DeepChecks:      true,
			SettleSeconds:   10,
		},
		Mail: MailConfig{
			Port: 25,
		},
	}
}

// Load reads the configuration file at path and merges it over the defaults.
// A missing file is not an error; defaults are returned.
func Load(path string) (Config, error) {
	cfg := NewDefault()

	if path == "" {
		path = ConfigFileName
	}
	expanded, err := util.ExpandPath(path)
	if err != nil {
		return cfg, err
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			plog.Debug("No config file found, using defaults", "path", expanded)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file %s: %w", expanded, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", expanded, err)
	}
	plog.Debug("Loaded config file", "path", expanded)
	return cfg, nil
}

// MergeFlags overlays explicitly set command-line flags onto the config.
// The map holds only flags the user actually provided.
func MergeFlags(cfg Config, flagMap map[string]any) Config {
	if v, ok := flagMap["local-dir"].(string); ok {
		cfg.LocalDir = v
	}
	if v, ok := flagMap["target-dir"].(string); ok {
		cfg.TargetDir = v
	}
	if v, ok := flagMap["containers"].(string); ok {
		cfg.Containers = util.SplitCommaList(v)
	}
	if v, ok := flagMap["retention-days"].(int); ok {
		cfg.RetentionDays = v
	}
	if v, ok := flagMap["mail-to"].(string); ok {
		cfg.MailTo = v
	}
	if v, ok := flagMap["compression"].(string); ok {
		cfg.Compression = v
	}
	if v, ok := flagMap["check-mount"].(bool); ok {
		cfg.CheckMount = v
	}
	if v, ok := flagMap["skip-same-day"].(bool); ok {
		cfg.SkipSameDay = v
	}
	if v, ok := flagMap["log-level"].(string); ok {
		cfg.LogLevel = v
	}
	if v, ok := flagMap["dry-run"].(bool); ok {
		cfg.DryRun = v
	}
	return cfg
}

// Finalize resolves derived values that depend on the host.
func Finalize(cfg Config) (Config, error) {
	if cfg.Node == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return cfg, fmt.Errorf("failed to resolve hostname for node identity: %w", err)
		}
		cfg.Node = hostname
	}
	return cfg, nil
}

// Validate enforces run preconditions. Failures here abort the entire run
// before any container is touched.
func (c Config) Validate() error {
	if len(c.Containers) == 0 {
		return fmt.Errorf("no containers configured: set 'containers' in %s or pass -containers", ConfigFileName)
	}
	if c.LocalDir == "" {
		return fmt.Errorf("local backup directory must not be empty")
	}
	if c.TargetDir == "" {
		return fmt.Errorf("target backup directory must not be empty")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("retention days must be positive, got %d", c.RetentionDays)
	}
	if !validCompression[c.Compression] {
		return fmt.Errorf("invalid compression codec %q: must be 'zstd', 'gzip' or 'lzo'", c.Compression)
	}
	if c.Health.MinProcessCount < 1 {
		return fmt.Errorf("minimum process count must be at least 1, got %d", c.Health.MinProcessCount)
	}
	return nil
}

// RetentionWindow returns the retention period as a duration.
func (c Config) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// SettleDelay returns the health-check settle delay as a duration.
func (c HealthConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleSeconds) * time.Second
}

// LogSummary narrates the effective configuration for the run.
func (c Config) LogSummary() {
	plog.Info("Effective configuration",
		"localDir", c.LocalDir,
		"targetDir", c.TargetDir,
		"containers", c.Containers,
		"retentionDays", c.RetentionDays,
		"compression", c.Compression,
		"checkMount", c.CheckMount,
		"skipSameDay", c.SkipSameDay,
		"node", c.Node,
		"dryRun", c.DryRun,
	)
	if c.Mail.Host == "" {
		plog.Info("Mail notifications disabled (no SMTP host configured)")
	} else {
		plog.Info("Mail notifications enabled", "smtpHost", c.Mail.Host, "smtpPort", c.Mail.Port, "to", c.MailTo)
	}
}
