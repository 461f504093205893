package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lunasched/lunasched/internal/ipc"
	"github.com/lunasched/lunasched/internal/job"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := roundTrip(ipc.ReqListJobs, nil)
		if err != nil {
			return err
		}
		if resp.Tag != ipc.RespJobList {
			return printPlain(resp)
		}
		var jobs []job.Job
		if err := resp.Decode(&jobs); err != nil {
			return fmt.Errorf("malformed job list: %w", err)
		}
		sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tCOMMAND\tOWNER\tENABLED")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
				j.ID, j.Name, j.Schedule.String(), j.CommandLine(), j.Owner, j.Enabled)
		}
		return w.Flush()
	},
}
