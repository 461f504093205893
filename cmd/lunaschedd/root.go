package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "1.2.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "lunaschedd",
	Short: "Per-host job scheduler daemon",
	Long: `lunaschedd runs jobs on schedule: cron expressions, fixed intervals and
calendar rules with timezones, with per-job retries, timeouts, hooks and
persistent execution history. Clients talk to it over a local authenticated
socket using the lunasched CLI.`,
	Version: version,
	Run: func(cmd *cobra.Command, args []string) {
		serveCmd.Run(cmd, args)
	},
}

// Execute runs the daemon command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to configuration file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}
