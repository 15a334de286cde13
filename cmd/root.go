// Package cmd defines the chatbridge command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chatbridge",
	Short: "chatbridge - chat channel to generative model relay",
	Long: `chatbridge relays chat channels to a generative text model.

Each channel gets at most one agent. The agent listens for user messages,
serializes them into sequential streamed model calls, and delivers the
response into the channel with live typing indicators and throttled
partial updates.

Running chatbridge without a subcommand starts the server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
