// Package cli holds the pulse-ai command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "pulse-ai",
		Short:        "AI chat gateway for TeamPulse",
		Long:         "pulse-ai routes chat requests to OpenAI and Anthropic with per-tenant key rotation, conversation memory and usage accounting.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("PULSE_CONFIG"), "path to the YAML config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newKeysCmd(&configPath),
	)

	root.Version = Version
	root.SetVersionTemplate(fmt.Sprintf("pulse-ai %s\n", Version))

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
