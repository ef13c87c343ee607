package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/backend"
	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync [backend...]",
	GroupID: "sync",
	Short:   "Run one full cycle and exit",
	Long: `Run a single full sync cycle for the named backends, or for every
enabled backend when none is named.

Event backends are connected for the duration of the cycle. Remote
changes that arrive afterwards are picked up by the next sync or by
the daemon.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)

		var selected []config.BackendConfig
		if len(args) == 0 {
			selected = cfg.EnabledBackends()
		}
		for _, id := range args {
			bc, ok := cfg.Backend(id)
			if !ok {
				fatalf("Error: unknown backend %q", id)
			}
			// Naming a disabled backend runs it anyway.
			enabled := true
			bc.Enabled = &enabled
			selected = append(selected, bc)
		}
		if len(selected) == 0 {
			fatalf("No enabled backends in %s", configPath(cmd))
		}

		logs := openLogs(cmd, cfg)
		defer logs.Close()

		store := openStore(cfg)
		db := openState(cfg)
		defer db.Close()

		coord, err := backend.Build(selected, backend.Deps{
			Store:    store,
			Shares:   store,
			State:    db,
			Observer: backend.NewLogObserver(logs.Logger("sync")),
			Logger:   logs.Logger,
		})
		if err != nil {
			fatalf("Error creating backends: %v", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		failed := false
		for _, in := range coord.Instances() {
			fmt.Printf("%s Syncing %s...\n", ui.RenderAccent("🔄"), in.ID())
			res, err := in.RunOnce(ctx)
			if err != nil {
				failed = true
				fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), in.ID(), err)
				continue
			}
			mark := ui.RenderPass("✓")
			if res.Failed > 0 || res.Deferred > 0 {
				mark = ui.RenderWarn("⚠")
			}
			fmt.Printf("%s %s: %s\n", mark, in.ID(), res)
		}
		if failed {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
