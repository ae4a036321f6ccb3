package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/fieldfixer/internal/sidecar"
	"github.com/andresmejia3/fieldfixer/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB      bool
	resetStaging bool
	resetDir     string
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Ledger, stale bundle staging directories)",
	Long:  "Clears state. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetStaging {
			resetDB = true
			resetStaging = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if DB == nil {
				fmt.Println("ℹ️  No ledger configured, skipping database reset.")
			} else if confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP all ledger tables?") {
				fmt.Println("🗑️  Clearing Ledger...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset database", err, nil)
					return err
				}
			}
		}

		if resetStaging {
			stale, err := sidecar.StaleStaging(resetDir)
			if err != nil {
				utils.ShowError("Failed to scan for staging directories", err, nil)
				return err
			}
			if len(stale) == 0 {
				fmt.Printf("ℹ️  No stale staging directories in %s.\n", resetDir)
			} else if confirm(reader, os.Stdout, fmt.Sprintf("⚠️  Delete %d stale staging director(ies) in %s?", len(stale), resetDir)) {
				fmt.Println("🗑️  Clearing Staging Directories...")
				for _, dir := range stale {
					removeDir(dir)
				}
			}
		}

		fmt.Println("✨ Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "ledger", false, "Clear the ledger database")
	resetCmd.Flags().BoolVar(&resetStaging, "staging", false, "Remove leftover <bundle>.partial-<uuid> directories")
	resetCmd.Flags().StringVar(&resetDir, "dir", ".", "Directory scanned for leftover staging directories")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
