// Package config holds the deployment configuration for the daemon.
//
// Configuration is a single YAML file read once at startup. Everything the
// orchestrator needs to build a subprocess invocation lives here, so the spawn
// contract is deterministic given a config and a stored session ID.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the corresponding field is absent.
const (
	DefaultCommand        = "claude"
	DefaultPermissionMode = "acceptEdits"
	DefaultTimeout        = 300 * time.Second
	DefaultCancelGrace    = 5 * time.Second
	DefaultDrainGrace     = 20 * time.Second
	DefaultStatusInterval = 3 * time.Second
	DefaultSessionFile    = "sessions.json"
	DefaultLogFile        = "concierge.log"
)

// Config is the top-level deployment configuration.
type Config struct {
	// Command is the path or name of the agent binary to spawn per message.
	Command string `yaml:"command"`

	// PermissionMode is forwarded verbatim via --permission-mode.
	PermissionMode string `yaml:"permission_mode"`

	// Model is an optional model override, forwarded via --model.
	Model string `yaml:"model,omitempty"`

	// SystemPrompt is appended to the agent's system prompt when set.
	SystemPrompt string `yaml:"system_prompt,omitempty"`

	// AddDirs are extra directories the agent may access (--add-dir each).
	AddDirs []string `yaml:"add_dirs,omitempty"`

	// WorkingDir is the subprocess working directory and the root for the
	// session file and log file when those are relative paths.
	WorkingDir string `yaml:"working_dir"`

	// TimeoutSeconds is the wall-clock limit for one dispatch.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// CancelGraceSeconds is how long a terminated process gets to exit
	// before it is force-killed.
	CancelGraceSeconds int `yaml:"cancel_grace_seconds"`

	// DrainGraceSeconds bounds the shutdown drain of in-flight processes.
	DrainGraceSeconds int `yaml:"drain_grace_seconds"`

	// StatusIntervalSeconds is the cadence of status message edits.
	StatusIntervalSeconds int `yaml:"status_interval_seconds"`

	// SessionFile stores the per-user session records.
	SessionFile string `yaml:"session_file"`

	// LogFile is the daemon log destination.
	LogFile string `yaml:"log_file"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug,omitempty"`
}

// Load reads and validates the config file at path.
// A missing file is an error: the deployment is explicitly configured.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero-valued fields. Called by Load before Validate,
// so Validate only reads.
func (c *Config) applyDefaults() {
	if c.Command == "" {
		c.Command = DefaultCommand
	}
	if c.PermissionMode == "" {
		c.PermissionMode = DefaultPermissionMode
	}
	if c.WorkingDir == "" {
		c.WorkingDir = "."
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = int(DefaultTimeout / time.Second)
	}
	if c.CancelGraceSeconds == 0 {
		c.CancelGraceSeconds = int(DefaultCancelGrace / time.Second)
	}
	if c.DrainGraceSeconds == 0 {
		c.DrainGraceSeconds = int(DefaultDrainGrace / time.Second)
	}
	if c.StatusIntervalSeconds == 0 {
		c.StatusIntervalSeconds = int(DefaultStatusInterval / time.Second)
	}
	if c.SessionFile == "" {
		c.SessionFile = DefaultSessionFile
	}
	if c.LogFile == "" {
		c.LogFile = DefaultLogFile
	}
}

// Validate checks the config for values that would break a dispatch.
func (c *Config) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("config: command must not be empty")
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("config: timeout_seconds must not be negative")
	}
	if c.CancelGraceSeconds < 0 {
		return fmt.Errorf("config: cancel_grace_seconds must not be negative")
	}
	if c.DrainGraceSeconds < 0 {
		return fmt.Errorf("config: drain_grace_seconds must not be negative")
	}
	if c.StatusIntervalSeconds < 0 {
		return fmt.Errorf("config: status_interval_seconds must not be negative")
	}
	for _, dir := range c.AddDirs {
		if dir == "" {
			return fmt.Errorf("config: add_dirs must not contain empty entries")
		}
	}
	return nil
}

// Timeout returns the per-dispatch wall-clock limit.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CancelGrace returns the SIGTERM-to-SIGKILL escalation delay.
func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceSeconds) * time.Second
}

// DrainGrace returns the shutdown drain deadline.
func (c *Config) DrainGrace() time.Duration {
	return time.Duration(c.DrainGraceSeconds) * time.Second
}

// StatusInterval returns the status edit cadence.
func (c *Config) StatusInterval() time.Duration {
	return time.Duration(c.StatusIntervalSeconds) * time.Second
}

// SessionFilePath resolves the session file relative to the working directory.
func (c *Config) SessionFilePath() string {
	return c.resolve(c.SessionFile)
}

// LogFilePath resolves the log file relative to the working directory.
func (c *Config) LogFilePath() string {
	return c.resolve(c.LogFile)
}

func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.WorkingDir, path)
}
