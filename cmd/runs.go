package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/fieldfixer/internal/store"
	"github.com/andresmejia3/fieldfixer/internal/utils"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs [bake_id]",
	Short: "List bake and apply runs recorded in the ledger",
	Long:  "Lists every recorded run. With a bake run ID, prints that bundle's details instead.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := requireDB(); err != nil {
			utils.ShowError("Ledger unavailable", err, nil)
			return err
		}

		if len(args) == 1 {
			run, err := DB.GetBake(cmd.Context(), args[0])
			if err != nil {
				utils.ShowError("Failed to fetch bake run", err, nil)
				return err
			}
			return printBake(os.Stdout, run)
		}

		runs, err := DB.ListRuns(cmd.Context())
		if err != nil {
			utils.ShowError("Failed to list runs", err, nil)
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No runs recorded in the ledger.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tFRAMES\tBUNDLE\tOUTPUT\tLABEL\tCREATED")
		fmt.Fprintln(w, "--\t----\t------\t------\t------\t-----\t-------")

		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n", r.ID, r.Kind, r.Frames, r.Bundle, r.Output, r.Label, r.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
}

func printBake(w io.Writer, r store.BakeRun) error {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", r.ID)
	fmt.Fprintf(tw, "Bundle:\t%s\n", r.BundlePath)
	fmt.Fprintf(tw, "Modules:\t%s\n", strings.Join(r.Modules, ", "))
	fmt.Fprintf(tw, "Frames:\t%d (%d-%d)\n", r.FrameCount, r.FrameStart, r.FrameEnd)
	fmt.Fprintf(tw, "Size:\t%dx%d\n", r.Width, r.Height)
	if r.Label != "" {
		fmt.Fprintf(tw, "Label:\t%s\n", r.Label)
	}
	fmt.Fprintf(tw, "Created:\t%s\n", r.CreatedAt.Local().Format("2006-01-02 15:04"))
	return tw.Flush()
}
