package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lunasched/lunasched/internal/ipc"
	"github.com/lunasched/lunasched/internal/job"
)

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a job definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := roundTrip(ipc.ReqGetJob, job.ID(args[0]))
		if err != nil {
			return err
		}
		if resp.Tag != ipc.RespJobDetail {
			return printPlain(resp)
		}
		var j *job.Job
		if err := resp.Decode(&j); err != nil {
			return fmt.Errorf("malformed job detail: %w", err)
		}
		if j == nil {
			fmt.Println("Job not found")
			return nil
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(j)
	},
}
