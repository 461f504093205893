package main

import (
	"github.com/spf13/cobra"

	"github.com/lunasched/lunasched/internal/ipc"
	"github.com/lunasched/lunasched/internal/job"
)

var startCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Run a job now, outside its schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := roundTrip(ipc.ReqStartJob, job.ID(args[0]))
		if err != nil {
			return err
		}
		return printPlain(resp)
	},
}
