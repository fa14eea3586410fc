package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tvbill",
	Short: "tvbill - TV rental session billing and presence engine",
	Long: `tvbill runs pay-per-time TV sessions: it starts, pauses and ends billing
sessions, watches device heartbeats to pause sessions on power loss, expires
overdue sessions and pushes live countdowns to staff and TVs over websockets.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/tvbill/config.yaml", "Path to configuration file")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
