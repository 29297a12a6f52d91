package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. CONTINUUM_RELOAD_STALENESS_WINDOW.
const EnvPrefix = "CONTINUUM"

// Config represents the complete continuum configuration
type Config struct {
	State    StateConfig    `mapstructure:"state"`
	Reload   ReloadConfig   `mapstructure:"reload"`
	Session  SessionConfig  `mapstructure:"session"`
	Hook     HookConfig     `mapstructure:"hook"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Output   OutputConfig   `mapstructure:"output"`
}

// StateConfig controls where run state is kept
type StateConfig struct {
	// Dir is the state directory name relative to the workspace (default: ".continuum")
	Dir string `mapstructure:"dir"`
}

// ReloadConfig controls artifact reload planning
type ReloadConfig struct {
	// StalenessWindow is how long a loaded artifact is considered fresh (default: 5m)
	StalenessWindow time.Duration `mapstructure:"staleness_window"`
	// ForceOnNewSession reloads every matching artifact whenever a new session
	// opens, ignoring the staleness window (default: false)
	ForceOnNewSession bool `mapstructure:"force_on_new_session"`
}

// SessionConfig controls session environment capture
type SessionConfig struct {
	// CaptureRevision records the workspace's git HEAD on session start
	CaptureRevision bool `mapstructure:"capture_revision"`
	// RevisionTimeoutMs bounds the git call (default: 2000)
	RevisionTimeoutMs int `mapstructure:"revision_timeout_ms"`
}

// HookConfig controls host hook invocations
type HookConfig struct {
	// Timeout is the overall budget of one hook call (default: 60s)
	Timeout time.Duration `mapstructure:"timeout"`
}

// WorkflowConfig controls workflow definition lookup
type WorkflowConfig struct {
	// Default is the workflow used when none is named (default: "default")
	Default string `mapstructure:"default"`
	// SearchPaths are extra directories searched for <id>.yaml definitions
	// after the workspace and before the built-ins
	SearchPaths []string `mapstructure:"search_paths"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled writes a debug log under <state dir>/logs (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the size at which the log file rotates (default: 5)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files kept (default: 2)
	MaxBackups int `mapstructure:"max_backups"`
}

// OutputConfig controls human-readable output
type OutputConfig struct {
	// Color is "auto", "always" or "never" (default: "auto")
	Color string `mapstructure:"color"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		State: StateConfig{
			Dir: ".continuum",
		},
		Reload: ReloadConfig{
			StalenessWindow:   5 * time.Minute,
			ForceOnNewSession: false,
		},
		Session: SessionConfig{
			CaptureRevision:   true,
			RevisionTimeoutMs: 2000,
		},
		Hook: HookConfig{
			Timeout: 60 * time.Second,
		},
		Workflow: WorkflowConfig{
			Default:     "default",
			SearchPaths: []string{},
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  5,
			MaxBackups: 2,
		},
		Output: OutputConfig{
			Color: "auto",
		},
	}
}

// RevisionTimeout returns the git revision timeout as a time.Duration
func (c *SessionConfig) RevisionTimeout() time.Duration {
	return time.Duration(c.RevisionTimeoutMs) * time.Millisecond
}

// WorkflowSearchPaths returns the directories searched for workflow
// definitions after the workspace: the configured paths, then the user
// config directory.
func (c *Config) WorkflowSearchPaths() []string {
	paths := make([]string, 0, len(c.Workflow.SearchPaths)+1)
	for _, p := range c.Workflow.SearchPaths {
		paths = append(paths, expandHome(p))
	}
	return append(paths, filepath.Join(ConfigDir(), "workflows"))
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("state.dir", defaults.State.Dir)

	viper.SetDefault("reload.staleness_window", defaults.Reload.StalenessWindow)
	viper.SetDefault("reload.force_on_new_session", defaults.Reload.ForceOnNewSession)

	viper.SetDefault("session.capture_revision", defaults.Session.CaptureRevision)
	viper.SetDefault("session.revision_timeout_ms", defaults.Session.RevisionTimeoutMs)

	viper.SetDefault("hook.timeout", defaults.Hook.Timeout)

	viper.SetDefault("workflow.default", defaults.Workflow.Default)
	viper.SetDefault("workflow.search_paths", defaults.Workflow.SearchPaths)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	viper.SetDefault("output.color", defaults.Output.Color)
}

// Configure points viper at the config file and environment. An explicit
// file wins; otherwise config.yaml is looked up in the workspace state
// directory, then the user config directory.
func Configure(cfgFile, workspaceStateDir string) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		if workspaceStateDir != "" {
			viper.AddConfigPath(workspaceStateDir)
		}
		viper.AddConfigPath(ConfigDir())
	}

	SetDefaults()

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "continuum")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".continuum"
	}
	return filepath.Join(home, ".config", "continuum")
}

// ConfigFile returns the path to the user config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidColorModes returns the accepted output.color values
func ValidColorModes() []string {
	return []string{"auto", "always", "never"}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
