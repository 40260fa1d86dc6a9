package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
)

const (
	defaultMaxConcurrency      = 5
	defaultPerTaskTimeout      = 30 * time.Minute
	defaultBatchDeadline       = 2 * time.Hour
	defaultReclaimGrace        = 15 * time.Second
	defaultBaseRef             = "HEAD"
	defaultWorkerCommand       = "claude -p"
	defaultSessionShell        = "bash"
	defaultPollInterval        = 500 * time.Millisecond
	defaultTerminationGrace    = 5 * time.Second
	defaultSessionStartTimeout = 5 * time.Second
	defaultInactivityThreshold = 2 * time.Minute
	defaultMaxUnstickAttempts  = 3
	defaultOutputTailLines     = 40
	defaultDeadWorkspaceTTL    = 72 * time.Hour
	defaultSweepSchedule       = "@hourly"
	defaultHeartbeatInterval   = 30 * time.Second
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	MaxConcurrency      int
	PerTaskTimeout      time.Duration
	BatchDeadline       time.Duration
	ReclaimGrace        time.Duration
	RepoRoot            string
	WorktreesRoot       string
	BaseRef             string
	WorkerCommand       string
	SessionShell        string
	LogDir              string
	DBPath              string
	PollInterval        time.Duration
	TerminationGrace    time.Duration
	SessionStartTimeout time.Duration
	InactivityThreshold time.Duration
	MaxUnstickAttempts  int
	OutputTailLines     int
	DeadWorkspaceTTL    time.Duration
	SweepSchedule       string
	HeartbeatInterval   time.Duration
	OTel                OTelConfig
}

// OTelConfig stores exporter settings.
type OTelConfig struct {
	Endpoint string
}

type fileConfig struct {
	MaxConcurrency      *int            `toml:"max_concurrency"`
	PerTaskTimeout      *string         `toml:"per_task_timeout"`
	BatchDeadline       *string         `toml:"batch_deadline"`
	ReclaimGrace        *string         `toml:"reclaim_grace"`
	RepoRoot            *string         `toml:"repo_root"`
	WorktreesRoot       *string         `toml:"worktrees_root"`
	BaseRef             *string         `toml:"base_ref"`
	WorkerCommand       *string         `toml:"worker_command"`
	SessionShell        *string         `toml:"session_shell"`
	LogDir              *string         `toml:"log_dir"`
	DBPath              *string         `toml:"db_path"`
	PollInterval        *string         `toml:"poll_interval"`
	TerminationGrace    *string         `toml:"termination_grace"`
	SessionStartTimeout *string         `toml:"session_start_timeout"`
	InactivityThreshold *string         `toml:"inactivity_threshold"`
	MaxUnstickAttempts  *int            `toml:"max_unstick_attempts"`
	OutputTailLines     *int            `toml:"output_tail_lines"`
	DeadWorkspaceTTL    *string         `toml:"dead_workspace_ttl"`
	SweepSchedule       *string         `toml:"sweep_schedule"`
	HeartbeatInterval   *string         `toml:"heartbeat_interval"`
	OTel                *fileOTelConfig `toml:"otel"`
}

type fileOTelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.fleet/config.toml and overlays a project-local .fleet/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	cfg := defaults(homeDir, workingDir)
	paths := []string{
		filepath.Join(homeDir, ".fleet", "config.toml"),
		filepath.Join(workingDir, ".fleet", "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	_ = ctx
	return &cfg, nil
}

func defaults(homeDir, workingDir string) Config {
	fleetDir := filepath.Join(homeDir, ".fleet")
	return Config{
		MaxConcurrency:      defaultMaxConcurrency,
		PerTaskTimeout:      defaultPerTaskTimeout,
		BatchDeadline:       defaultBatchDeadline,
		ReclaimGrace:        defaultReclaimGrace,
		RepoRoot:            workingDir,
		WorktreesRoot:       filepath.Join(fleetDir, "worktrees"),
		BaseRef:             defaultBaseRef,
		WorkerCommand:       defaultWorkerCommand,
		SessionShell:        defaultSessionShell,
		LogDir:              filepath.Join(fleetDir, "sessions"),
		DBPath:              filepath.Join(fleetDir, "fleet.db"),
		PollInterval:        defaultPollInterval,
		TerminationGrace:    defaultTerminationGrace,
		SessionStartTimeout: defaultSessionStartTimeout,
		InactivityThreshold: defaultInactivityThreshold,
		MaxUnstickAttempts:  defaultMaxUnstickAttempts,
		OutputTailLines:     defaultOutputTailLines,
		DeadWorkspaceTTL:    defaultDeadWorkspaceTTL,
		SweepSchedule:       defaultSweepSchedule,
		HeartbeatInterval:   defaultHeartbeatInterval,
	}
}

// Validate checks cross-field constraints after all overlays are applied.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be > 0, got %d", c.MaxConcurrency)
	}
	if strings.TrimSpace(c.WorkerCommand) == "" {
		return errors.New("worker_command must not be empty")
	}
	repoRoot, err := filepath.Abs(c.RepoRoot)
	if err != nil {
		return fmt.Errorf("resolve repo_root: %w", err)
	}
	worktreesRoot, err := filepath.Abs(c.WorktreesRoot)
	if err != nil {
		return fmt.Errorf("resolve worktrees_root: %w", err)
	}
	if rel, relErr := filepath.Rel(repoRoot, worktreesRoot); relErr == nil && !strings.HasPrefix(rel, "..") {
		return fmt.Errorf("worktrees_root %q must be outside repo_root %q", worktreesRoot, repoRoot)
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		return fmt.Errorf("parse sweep_schedule %q: %w", c.SweepSchedule, err)
	}
	return nil
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("parse %s in %q: unsupported key", undecoded[0].String(), path)
	}

	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyPathOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}

	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return parsed, nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.MaxConcurrency != nil {
		if *decoded.MaxConcurrency <= 0 {
			return fmt.Errorf("parse max_concurrency in %q: must be > 0", path)
		}
		cfg.MaxConcurrency = *decoded.MaxConcurrency
	}
	if decoded.MaxUnstickAttempts != nil {
		if *decoded.MaxUnstickAttempts < 0 {
			return fmt.Errorf("parse max_unstick_attempts in %q: must be >= 0", path)
		}
		cfg.MaxUnstickAttempts = *decoded.MaxUnstickAttempts
	}
	if decoded.OutputTailLines != nil {
		if *decoded.OutputTailLines <= 0 {
			return fmt.Errorf("parse output_tail_lines in %q: must be > 0", path)
		}
		cfg.OutputTailLines = *decoded.OutputTailLines
	}
	if decoded.BaseRef != nil {
		cfg.BaseRef = strings.TrimSpace(*decoded.BaseRef)
	}
	if decoded.WorkerCommand != nil {
		cfg.WorkerCommand = strings.TrimSpace(*decoded.WorkerCommand)
	}
	if decoded.SessionShell != nil {
		cfg.SessionShell = strings.TrimSpace(*decoded.SessionShell)
	}
	if decoded.SweepSchedule != nil {
		cfg.SweepSchedule = strings.TrimSpace(*decoded.SweepSchedule)
	}
	if decoded.OTel != nil && decoded.OTel.Endpoint != nil {
		cfg.OTel.Endpoint = strings.TrimSpace(*decoded.OTel.Endpoint)
	}
	return nil
}

func applyPathOverrides(cfg *Config, decoded fileConfig, path string) error {
	baseDir := filepath.Dir(filepath.Dir(path))
	for _, entry := range []struct {
		key   string
		value *string
		dest  *string
	}{
		{key: "repo_root", value: decoded.RepoRoot, dest: &cfg.RepoRoot},
		{key: "worktrees_root", value: decoded.WorktreesRoot, dest: &cfg.WorktreesRoot},
		{key: "log_dir", value: decoded.LogDir, dest: &cfg.LogDir},
		{key: "db_path", value: decoded.DBPath, dest: &cfg.DBPath},
	} {
		if entry.value == nil {
			continue
		}
		resolved, err := expandPath(*entry.value, baseDir)
		if err != nil {
			return fmt.Errorf("parse %s in %q: %w", entry.key, path, err)
		}
		*entry.dest = resolved
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	for _, entry := range []struct {
		key   string
		value *string
		dest  *time.Duration
	}{
		{key: "per_task_timeout", value: decoded.PerTaskTimeout, dest: &cfg.PerTaskTimeout},
		{key: "batch_deadline", value: decoded.BatchDeadline, dest: &cfg.BatchDeadline},
		{key: "reclaim_grace", value: decoded.ReclaimGrace, dest: &cfg.ReclaimGrace},
		{key: "poll_interval", value: decoded.PollInterval, dest: &cfg.PollInterval},
		{key: "termination_grace", value: decoded.TerminationGrace, dest: &cfg.TerminationGrace},
		{key: "session_start_timeout", value: decoded.SessionStartTimeout, dest: &cfg.SessionStartTimeout},
		{key: "inactivity_threshold", value: decoded.InactivityThreshold, dest: &cfg.InactivityThreshold},
		{key: "dead_workspace_ttl", value: decoded.DeadWorkspaceTTL, dest: &cfg.DeadWorkspaceTTL},
		{key: "heartbeat_interval", value: decoded.HeartbeatInterval, dest: &cfg.HeartbeatInterval},
	} {
		if entry.value == nil {
			continue
		}
		value, err := parseDuration(*entry.value, entry.key, path)
		if err != nil {
			return err
		}
		*entry.dest = value
	}
	return nil
}

// expandPath resolves "~/" against the home directory and relative paths against baseDir.
func expandPath(value, baseDir string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", errors.New("must not be empty")
	}
	if value == "~" || strings.HasPrefix(value, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		value = filepath.Join(homeDir, strings.TrimPrefix(value, "~"))
	}
	if !filepath.IsAbs(value) {
		value = filepath.Join(baseDir, value)
	}
	return filepath.Clean(value), nil
}
