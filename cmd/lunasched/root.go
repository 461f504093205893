package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lunasched/lunasched/internal/config"
)

const version = "1.2.0"

var socketPath string

var rootCmd = &cobra.Command{
	Use:   "lunasched",
	Short: "Client for the lunasched job scheduler daemon",
	Long: `lunasched manages scheduled jobs on this host: add jobs with cron,
interval or calendar schedules, start them manually, and inspect their
execution history. Talks to lunaschedd over its local control socket.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the client command tree. Connect, read and parse failures
// exit 1; a well-formed daemon response (including Error) exits 0.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", config.DefaultSocketPath(), "Path to the daemon control socket")
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(removeCmd)
}
