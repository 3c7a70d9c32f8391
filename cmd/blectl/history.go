package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/blectl/internal/journal"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded commands and transfers",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Journal.Path == "" {
			return fmt.Errorf("no journal configured: set journal.path")
		}
		db, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer db.Close()

		cmds, err := db.Commands(historyLimit)
		if err != nil {
			return err
		}
		fmt.Println("Commands:")
		if len(cmds) == 0 {
			fmt.Println("  (none)")
		}
		for _, c := range cmds {
			fmt.Printf("  %s  %-18s %-7s %s\n", c.IssuedAt.Format(time.DateTime), c.DeviceID, c.Status, c.Text)
		}

		transfers, err := db.Transfers(historyLimit)
		if err != nil {
			return err
		}
		fmt.Println("Transfers:")
		if len(transfers) == 0 {
			fmt.Println("  (none)")
		}
		for _, t := range transfers {
			line := fmt.Sprintf("  %s  %-18s %-11s %s (%d/%d bytes)",
				t.QueuedAt.Format(time.DateTime), t.DeviceID, t.Status, t.Name, t.BytesSent, t.Size)
			if t.Error != "" {
				line += ": " + t.Error
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "entries per section (0 for all)")
	rootCmd.AddCommand(historyCmd)
}
