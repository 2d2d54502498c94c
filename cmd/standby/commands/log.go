package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"standby/pkg/app"

	"github.com/spf13/cobra"
)

var logLimit int

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show head history (needs refs.type sqlite or postgres)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if SB.Meta == nil {
			return errors.New("head history is not recorded with refs.type=file")
		}
		records, err := SB.Meta.ListHeads(cmd.Context(), app.HeadName, logLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(records) == 0 {
			fmt.Fprintln(out, "No history yet.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tHEAD\tPREVIOUS\tSTATS")
		for _, r := range records {
			prev := r.Previous
			if prev == "" {
				prev = "-"
			} else if len(prev) > 12 {
				prev = prev[:12]
			}
			hash := r.Hash
			if len(hash) > 12 {
				hash = hash[:12]
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				r.CreatedAt.Format("2006-01-02 15:04:05"), hash, prev, string(r.Stats))
		}
		return w.Flush()
	},
}

func init() {
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 20, "number of entries")
}
