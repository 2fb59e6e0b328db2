// Package commands defines all Cobra CLI commands for the medibot binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/medibot-go/internal/audit"
	"github.com/54b3r/medibot-go/internal/config"
	"github.com/54b3r/medibot-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "medibot",
		Short: "medibot answers medical questions from your own document index",
		Long: `medibot is a retrieval-augmented medical chatbot.

Questions are answered by a hosted or local LLM using passages retrieved
from a Qdrant collection built with 'medibot ingest'. Answers are short
(three sentences at most) and the bot says so when it does not know.

Settings are read from the environment, a .env file in the working
directory, and an optional YAML config file (~/.medibot/config.yaml).
Environment variables always win.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			if err := config.LoadDotEnv(log); err != nil {
				return err
			}

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(cmd.Context(), log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.medibot/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewAskCmd(),
		NewIngestCmd(),
		NewVersionCmd(),
	)

	return root
}
