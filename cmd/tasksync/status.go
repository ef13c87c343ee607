package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/statedb"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show the stored state of every backend",
	Long: `Display what the state database knows about each configured backend:
  - lifecycle state as last recorded
  - number of tasks in its ledger and how many have a remote id
  - time and summary of the last completed cycle`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		store := openStore(cfg)
		db := openState(cfg)
		defer db.Close()

		stored, err := db.ListBackendStatus(context.Background())
		if err != nil {
			fatalf("Error reading backend status: %v", err)
		}
		byID := make(map[string]statedb.BackendStatus, len(stored))
		for _, s := range stored {
			byID[s.BackendID] = s
		}

		ids, err := store.ListTaskIDs()
		if err != nil {
			fatalf("Error listing tasks: %v", err)
		}

		fmt.Printf("\n%s tasksync status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Tasks: %d in %s\n", len(ids), store.TasksDir())
		fmt.Printf("State: %s\n\n", db.Path())

		if len(cfg.Backends) == 0 {
			fmt.Printf("%s No backends configured. Run 'tasksync init'.\n\n", ui.RenderWarn("⚠"))
			return
		}

		rows := [][]string{{"BACKEND", "TYPE", "STATE", "LEDGER", "LAST SYNC", "SUMMARY"}}
		summaryWidth := ui.Width() - 70
		for _, bc := range cfg.Backends {
			s, ok := byID[bc.ID]
			state := "never run"
			if ok {
				state = s.State
			}
			if !bc.IsEnabled() {
				state = "disabled (config)"
			}
			rows = append(rows, []string{
				bc.ID,
				bc.Type,
				ui.RenderState(state),
				strconv.Itoa(s.Remote) + "/" + strconv.Itoa(s.Entries),
				lastSync(s.LastSyncAt),
				ui.Truncate(s.LastSummary, summaryWidth),
			})
		}
		fmt.Print(ui.Table(rows))
		fmt.Println()
	},
}

func lastSync(at *time.Time) string {
	if at == nil {
		return ui.RenderMuted("never")
	}
	return at.Local().Format("2006-01-02 15:04:05")
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
