package cmd

import (
	"fmt"

	"github.com/andresmejia3/fieldfixer/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label <run_id> <label>",
	Short: "Attach a label to a bake or apply run in the ledger",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// 1. Database is initialized in Root PersistentPreRunE
		if err := requireDB(); err != nil {
			utils.ShowError("Ledger unavailable", err, nil)
			return err
		}

		id, label := args[0], args[1]
		if err := DB.LabelRun(cmd.Context(), id, label); err != nil {
			utils.ShowError("Failed to label run", err, nil)
			return err
		}

		fmt.Printf("✅ Run %s labeled as '%s'\n", id, label)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}
