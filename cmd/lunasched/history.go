package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lunasched/lunasched/internal/ipc"
	"github.com/lunasched/lunasched/internal/job"
)

var historyFlags struct {
	all     bool
	limit   uint32
	verbose bool
}

var historyCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show a job's execution history, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := ipc.HistoryQuery{JobID: job.ID(args[0])}
		limit := historyFlags.limit
		if historyFlags.all {
			limit = 0 // the daemon treats 0 as "all rows"
		}
		q.Limit = &limit
		resp, err := roundTrip(ipc.ReqGetHistory, q)
		if err != nil {
			return err
		}
		if resp.Tag != ipc.RespHistoryList {
			return printPlain(resp)
		}
		var entries []ipc.HistoryEntry
		if err := resp.Decode(&entries); err != nil {
			return fmt.Errorf("malformed history: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No history")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tRUN AT\tSTATUS\tOUTPUT")
		for _, e := range entries {
			out := e.Output
			if !historyFlags.verbose {
				out = firstLine(out)
				if len(out) > 60 {
					out = out[:57] + "..."
				}
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.ID, e.RunAt, e.Status, out)
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().BoolVar(&historyFlags.all, "all", false, "Show all history")
	historyCmd.Flags().Uint32Var(&historyFlags.limit, "limit", 5, "Number of entries to show")
	historyCmd.Flags().BoolVarP(&historyFlags.verbose, "verbose", "v", false, "Show full captured output")
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && line != "Stdout:" && line != "Stderr:" {
			return line
		}
	}
	return ""
}
