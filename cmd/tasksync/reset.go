package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/ui"
)

var resetCmd = &cobra.Command{
	Use:     "reset <backend>",
	GroupID: "sync",
	Short:   "Forget a backend's sync history",
	Long: `Drop the ledger and cursor of a backend. The next cycle rebuilds them
from the remote ids stored on the tasks, so tasks already on the backend
are matched again rather than duplicated.

Stop the daemon first; a running backend keeps its ledger in memory and
writes it back after the next cycle.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		id := args[0]
		if _, ok := cfg.Backend(id); !ok {
			fatalf("Error: unknown backend %q", id)
		}

		db := openState(cfg)
		defer db.Close()

		ctx := context.Background()
		n, err := db.GetEntryCount(ctx, id)
		if err != nil {
			fatalf("Error reading ledger: %v", err)
		}
		if err := db.ResetBackend(ctx, id); err != nil {
			fatalf("Error resetting %s: %v", id, err)
		}
		fmt.Printf("%s Reset %s (%d ledger entries dropped)\n", ui.RenderPass("✓"), id, n)
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
}
