// Package config provides CLI commands for inspecting continuum configuration.
package config

import (
	"fmt"
	"os"

	appconfig "github.com/Iron-Ham/continuum/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Register adds all config-related commands to the given parent command.
// This is the main entry point for integrating the config subpackage with
// the root command.
func Register(parent *cobra.Command) {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "View continuum configuration",
		Long: `View continuum configuration.

Settings are read from --config, else config.yaml in the workspace state
directory, else the user config file, and may be overridden with
CONTINUUM_* environment variables.`,
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the config file path",
		Args:  cobra.NoArgs,
		RunE:  runConfigPath,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create a default user config file",
		Long:  `Create a default config file at $XDG_CONFIG_HOME/continuum/config.yaml with all available options.`,
		Args:  cobra.NoArgs,
		RunE:  runConfigInit,
	})

	parent.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "# config file: (none - using defaults)\n")
	}

	data, err := yaml.Marshal(settings(cfg))
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", appconfig.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintln(out, "  1. --config flag")
	fmt.Fprintln(out, "  2. <workspace>/.continuum/config.yaml")
	fmt.Fprintf(out, "  3. %s\n", appconfig.ConfigFile())
	fmt.Fprintf(out, "\nEnvironment variables: %s_* (e.g., %s_RELOAD_STALENESS_WINDOW)\n", appconfig.EnvPrefix, appconfig.EnvPrefix)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := appconfig.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s", configFile)
	}
	if err := os.MkdirAll(appconfig.ConfigDir(), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(settings(appconfig.Default()))
	if err != nil {
		return err
	}
	content := append([]byte("# Continuum configuration\n"), data...)
	if err := os.WriteFile(configFile, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file: %s\n", configFile)
	return nil
}

// settings mirrors Config with yaml keys matching the viper keys, durations
// rendered the way they are written.
func settings(cfg *appconfig.Config) map[string]any {
	return map[string]any{
		"state": map[string]any{
			"dir": cfg.State.Dir,
		},
		"reload": map[string]any{
			"staleness_window":     cfg.Reload.StalenessWindow.String(),
			"force_on_new_session": cfg.Reload.ForceOnNewSession,
		},
		"session": map[string]any{
			"capture_revision":    cfg.Session.CaptureRevision,
			"revision_timeout_ms": cfg.Session.RevisionTimeoutMs,
		},
		"hook": map[string]any{
			"timeout": cfg.Hook.Timeout.String(),
		},
		"workflow": map[string]any{
			"default":      cfg.Workflow.Default,
			"search_paths": cfg.Workflow.SearchPaths,
		},
		"logging": map[string]any{
			"enabled":     cfg.Logging.Enabled,
			"level":       cfg.Logging.Level,
			"max_size_mb": cfg.Logging.MaxSizeMB,
			"max_backups": cfg.Logging.MaxBackups,
		},
		"output": map[string]any{
			"color": cfg.Output.Color,
		},
	}
}
