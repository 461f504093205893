package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lunasched/lunasched/internal/config"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file and exit",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			os.Exit(1)
		}
		valid := 0
		for i := range cfg.Jobs {
			if _, err := cfg.Jobs[i].ToJob(); err != nil {
				fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
				os.Exit(1)
			}
			valid++
		}
		fmt.Printf("configuration OK (%d static jobs)\n", valid)
	},
}
