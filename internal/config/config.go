package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFileName is the TOML config file for user preferences
const ConfigFileName = "config.toml"

// Config represents user-facing configuration in TOML format.
// Command-line flags override anything loaded from the file.
type Config struct {
	// Session defines how the supervised tmux session is created
	Session SessionSettings `toml:"session"`

	// AutoSubmit defines the fast idle-nudge monitor
	AutoSubmit AutoSubmitSettings `toml:"autosubmit"`

	// Babysit defines the slow stuck-recovery monitor
	Babysit BabysitSettings `toml:"babysit"`

	// Logs defines log file settings
	Logs LogSettings `toml:"logs"`
}

// SessionSettings defines how the supervised session is started.
type SessionSettings struct {
	// WorkDir is the working directory for the assistant process.
	// Must exist; validated at startup.
	WorkDir string `toml:"work_dir"`

	// Command is the assistant command launched inside the session
	// (default: "claude")
	Command string `toml:"command"`

	// ProcessPattern matches the pane's current command when checking
	// whether the assistant process is still alive (default: "claude|node")
	ProcessPattern string `toml:"process_pattern"`
}

// AutoSubmitSettings defines the fast monitor's timing and prompt.
type AutoSubmitSettings struct {
	// Enabled turns the auto-submit monitor on (default: true)
	Enabled bool `toml:"enabled"`

	// IdleMinutes is the idle timeout in minutes. Fractional values are
	// accepted and converted to whole seconds, floored, minimum 1s.
	// (default: 1.0)
	IdleMinutes float64 `toml:"idle_minutes"`

	// PollSeconds is the poll interval in seconds (default: 5)
	PollSeconds int `toml:"poll_seconds"`

	// SettleSeconds is how long to pause after an intervention before
	// polling again (default: 10)
	SettleSeconds int `toml:"settle_seconds"`

	// ContinuePrompt is the text injected on idle. Empty means a bare
	// submit keystroke.
	ContinuePrompt string `toml:"continue_prompt"`
}

// BabysitSettings defines the slow monitor's timing.
type BabysitSettings struct {
	// PollSeconds is the poll interval in seconds (default: 30)
	PollSeconds int `toml:"poll_seconds"`

	// StuckSeconds is the stuck threshold in seconds (default: 900)
	StuckSeconds int `toml:"stuck_seconds"`

	// MaxRuntimeSeconds bounds the monitor's total lifetime regardless of
	// activity (default: 28800 = 8h)
	MaxRuntimeSeconds int `toml:"max_runtime_seconds"`
}

// LogSettings defines session log management settings.
type LogSettings struct {
	// Dir is the log directory (default: ~/.agentsitter)
	Dir string `toml:"dir"`

	// Level is the minimum log level (default: "info")
	Level string `toml:"level"`

	// Format is "json" (default) or "text"
	Format string `toml:"format"`

	// MaxSizeMB is the rotation threshold (default: 10)
	MaxSizeMB int `toml:"max_size_mb"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Session: SessionSettings{
			Command:        "claude",
			ProcessPattern: "claude|node",
		},
		AutoSubmit: AutoSubmitSettings{
			Enabled:       true,
			IdleMinutes:   1.0,
			PollSeconds:   5,
			SettleSeconds: 10,
		},
		Babysit: BabysitSettings{
			PollSeconds:       30,
			StuckSeconds:      900,
			MaxRuntimeSeconds: 28800,
		},
		Logs: LogSettings{
			Level:  "info",
			Format: "json",
		},
	}
}

// Dir returns the agentsitter config/log directory (~/.agentsitter).
func Dir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "/tmp"
	}
	return filepath.Join(homeDir, ".agentsitter")
}

// Load reads config.toml from the agentsitter directory, layered over the
// defaults. A missing file is not an error; a malformed one is, so the
// operator sees the parse failure instead of silently running on defaults.
func Load() (*Config, error) {
	return LoadFrom(filepath.Join(Dir(), ConfigFileName))
}

// LoadFrom reads a specific config file, layered over defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("%s parse error: %w", ConfigFileName, err)
	}
	return cfg, nil
}

// Validate checks the configuration for fatal startup errors.
func (c *Config) Validate() error {
	if c.Session.WorkDir == "" {
		return fmt.Errorf("session work_dir is required")
	}
	info, err := os.Stat(c.Session.WorkDir)
	if err != nil {
		return fmt.Errorf("session work_dir %q: %w", c.Session.WorkDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("session work_dir %q is not a directory", c.Session.WorkDir)
	}
	if c.Session.Command == "" {
		return fmt.Errorf("session command is required")
	}
	if c.AutoSubmit.IdleMinutes <= 0 {
		return fmt.Errorf("autosubmit idle_minutes must be positive, got %v", c.AutoSubmit.IdleMinutes)
	}
	if c.AutoSubmit.PollSeconds <= 0 {
		return fmt.Errorf("autosubmit poll_seconds must be positive, got %d", c.AutoSubmit.PollSeconds)
	}
	if c.Babysit.PollSeconds <= 0 {
		return fmt.Errorf("babysit poll_seconds must be positive, got %d", c.Babysit.PollSeconds)
	}
	if c.Babysit.StuckSeconds <= 0 {
		return fmt.Errorf("babysit stuck_seconds must be positive, got %d", c.Babysit.StuckSeconds)
	}
	if c.Babysit.MaxRuntimeSeconds <= 0 {
		return fmt.Errorf("babysit max_runtime_seconds must be positive, got %d", c.Babysit.MaxRuntimeSeconds)
	}
	return nil
}

// IdleTimeout converts the fractional-minute idle setting to a duration in
// whole seconds, floored, with a floor of one second.
func (c *AutoSubmitSettings) IdleTimeout() time.Duration {
	secs := int(math.Floor(c.IdleMinutes * 60))
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// PollInterval returns the auto-submit poll interval.
func (c *AutoSubmitSettings) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

// SettleInterval returns the post-intervention settle pause.
func (c *AutoSubmitSettings) SettleInterval() time.Duration {
	return time.Duration(c.SettleSeconds) * time.Second
}

// PollInterval returns the babysit poll interval.
func (c *BabysitSettings) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

// StuckThreshold returns the babysit stuck threshold.
func (c *BabysitSettings) StuckThreshold() time.Duration {
	return time.Duration(c.StuckSeconds) * time.Second
}

// MaxRuntime returns the babysit lifetime bound.
func (c *BabysitSettings) MaxRuntime() time.Duration {
	return time.Duration(c.MaxRuntimeSeconds) * time.Second
}
