// Command tasksync mirrors a local task store to remote backends.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/logging"
	"github.com/mschirtzinger/tasksync/internal/statedb"
	"github.com/mschirtzinger/tasksync/internal/taskstore"

	// Transports register themselves with the backend registry.
	_ "github.com/mschirtzinger/tasksync/internal/transport/redisbus"
	_ "github.com/mschirtzinger/tasksync/internal/transport/rest"
)

var rootCmd = &cobra.Command{
	Use:   "tasksync",
	Short: "Bidirectional task sync",
	Long: `tasksync keeps a local task store in sync with remote backends.

Poll backends (rest) fetch the full remote record set every period.
Event backends (redis) receive remote changes as they happen and push
local edits as soon as the task file changes.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "tasks", Title: "Tasks:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Copy file logs to stderr")
}

// loadConfig loads and validates the configuration named by --config.
func loadConfig(cmd *cobra.Command) *config.Config {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		fatalf("Error loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fatalf("Invalid config:\n%v", err)
	}
	return cfg
}

func configPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	return config.DefaultPath()
}

func openStore(cfg *config.Config) *taskstore.Store {
	store, err := taskstore.Open(cfg.TasksRoot())
	if err != nil {
		fatalf("Error opening task store: %v", err)
	}
	return store
}

func openState(cfg *config.Config) *statedb.DB {
	db, err := statedb.Open(cfg.StatePath())
	if err != nil {
		fatalf("Error opening state database: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		fatalf("Error initializing schema: %v", err)
	}
	return db
}

func openLogs(cmd *cobra.Command, cfg *config.Config) *logging.Output {
	verbose, _ := cmd.Flags().GetBool("verbose")
	out, err := logging.Open(logging.Options{File: cfg.LogFile, Verbose: verbose})
	if err != nil {
		fatalf("Error opening log file: %v", err)
	}
	return out
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
