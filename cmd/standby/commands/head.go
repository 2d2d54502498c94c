package commands

import (
	"fmt"

	"standby/pkg/exporter"

	"github.com/spf13/cobra"
)

var headShow bool

var headCmd = &cobra.Command{
	Use:   "head",
	Short: "Print the local head",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		head, err := SB.Repo.Head(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if head.IsZero() {
			fmt.Fprintln(out, "(no head)")
			return nil
		}
		fmt.Fprintln(out, head)
		if !headShow {
			return nil
		}

		seg, err := exporter.NewExporter(SB.Store).Resolve(ctx, head, "/")
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		return exporter.PrintSegment(seg, out)
	},
}

func init() {
	headCmd.Flags().BoolVar(&headShow, "show", false, "print the root segment")
}
