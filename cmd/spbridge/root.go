package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "spbridge",
	Short: "spbridge relays messenger chats into a service desk backend",
	Long: `spbridge is a relay that connects end-user chats on Messenger, Telegram,
VK, WeChat, Viber and WhatsApp with live agents on a service desk backend.
Each platform conversation becomes one backend chat; messages, files and
locations flow both ways.`,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}
