// Package cli holds the cable-service commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the command tree. The --config flag is shared by
// every subcommand.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "cable-service",
		Short: "ActionCable compatible WebSocket server",
		Long: `cable-service accepts actioncable-v1-json WebSocket connections,
routes channel subscriptions and fans broadcasts out through a pub/sub
adapter (async, inline, redis, postgres, nats or kafka).`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cable.yaml)")

	root.AddCommand(
		newServeCommand(&cfgFile),
		newStatsCommand(&cfgFile),
		newTokenCommand(&cfgFile),
	)
	return root
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
