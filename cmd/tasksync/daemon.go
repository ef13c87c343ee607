package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/backend"
	"github.com/mschirtzinger/tasksync/internal/dashboard"
	"github.com/mschirtzinger/tasksync/internal/taskstore"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run all enabled backends until interrupted",
	Long: `Run every enabled backend in the foreground.

The daemon:
  1. Loads each backend's ledger from the state database
  2. Runs an initial full cycle per backend
  3. Polls rest backends every period
  4. Applies redis events and pushes local file changes as they happen
  5. Optionally serves a WebSocket feed of sync activity

Stop with Ctrl+C. The task being worked on is finished before exiting.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		if port, _ := cmd.Flags().GetInt("dashboard"); port > 0 {
			cfg.Dashboard.Enabled = true
			cfg.Dashboard.Port = port
		}

		logs := openLogs(cmd, cfg)
		defer logs.Close()
		logger := logs.Logger("daemon")

		store := openStore(cfg)
		db := openState(cfg)
		defer db.Close()

		watcher, err := taskstore.NewWatcher(store, taskstore.WatcherConfig{
			Debounce: cfg.Debounce,
			Logger:   logs.Logger("watcher"),
		})
		if err != nil {
			fatalf("Error creating watcher: %v", err)
		}

		observers := backend.MultiObserver{backend.NewLogObserver(logs.Logger("sync"))}

		var (
			server  *dashboard.Server
			handler *dashboard.Handler
		)
		if cfg.Dashboard.Enabled {
			server = dashboard.NewServer(&dashboard.Config{
				Port:     cfg.Dashboard.Port,
				Snapshot: func() any { return handler.Snapshot() },
				Logger:   logs.Logger("dashboard"),
			})
			handler = dashboard.NewHandler(server, logs.Logger("dashboard"))
			observers = append(observers, handler)
		}

		coord, err := backend.Build(cfg.EnabledBackends(), backend.Deps{
			Store:     store,
			Shares:    store,
			State:     db,
			Subscribe: watcher.Subscribe,
			Observer:  observers,
			Logger:    logs.Logger,
		})
		if err != nil {
			fatalf("Error creating backends: %v", err)
		}
		if len(coord.Instances()) == 0 {
			fatalf("No enabled backends in %s", configPath(cmd))
		}

		if err := watcher.Start(); err != nil {
			fatalf("Error starting watcher: %v", err)
		}
		defer watcher.Stop()

		if server != nil {
			for _, in := range coord.Instances() {
				handler.Track(in.ID(), in.State())
			}
			if err := server.Start(); err != nil {
				fatalf("Error starting dashboard: %v", err)
			}
			defer server.Stop()
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("%s Starting tasksync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Tasks: %s\n", store.TasksDir())
		fmt.Printf("   State: %s\n", db.Path())
		for _, in := range coord.Instances() {
			mode := "poll"
			if in.IsEvent() {
				mode = "event"
			}
			fmt.Printf("   Backend: %s (%s)\n", in.ID(), mode)
		}
		if server != nil {
			fmt.Printf("   Dashboard: ws://localhost:%d/ws\n", cfg.Dashboard.Port)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := coord.Start(ctx); err != nil {
			logger.Printf("WARNING: %v", err)
		}

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := coord.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
		fmt.Printf("%s Stopped\n", ui.RenderPass("✓"))
	},
}

func init() {
	daemonCmd.Flags().IntP("dashboard", "d", 0, "Serve the WebSocket feed on this port (overrides config)")
	rootCmd.AddCommand(daemonCmd)
}
