// Package cmd implements the continuum command line: host hook adapters,
// run and phase management, and inspection commands.
package cmd

import (
	"context"
	"errors"
	"fmt"

	cfgcmd "github.com/Iron-Ham/continuum/internal/cmd/config"
	"github.com/Iron-Ham/continuum/internal/config"
	"github.com/Iron-Ham/continuum/internal/state"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configFile string
	workspace  string
	json       bool
}

// NewRootCmd builds the full command tree. Every call returns fresh
// commands and flag state.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "continuum",
		Short: "Workflow state that survives context compaction",
		Long: `Continuum tracks multi-phase workflow runs for an AI coding assistant and
tells the assistant which artifacts to reload when its context is compacted,
cleared or restarted.

Hosts call the hook commands; people use run, phase, status and prime.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(opts)
		},
	}

	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default is $XDG_CONFIG_HOME/continuum/config.yaml)")
	root.PersistentFlags().StringVarP(&opts.workspace, "workspace", "w", "", "workspace directory (default is the current directory)")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print machine-readable JSON")
	_ = viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))

	registerHookCmd(root, opts)
	registerPrimeCmd(root, opts)
	registerRunCmd(root, opts)
	registerPhaseCmd(root, opts)
	registerStatusCmd(root, opts)
	registerWorkflowCmd(root, opts)
	registerLogsCmd(root, opts)
	cfgcmd.Register(root)

	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}

func initConfig(opts *globalOptions) error {
	workspace, err := resolveWorkspace(opts.workspace)
	if err != nil {
		return err
	}
	config.Configure(opts.configFile, state.Dir(workspace, ""))

	// Read config file if it exists (ignore error if not found)
	var notFound viper.ConfigFileNotFoundError
	if err := viper.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}
