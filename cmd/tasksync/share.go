package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/backend"
	"github.com/mschirtzinger/tasksync/internal/transport"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var shareCmd = &cobra.Command{
	Use:     "share <tag> [participant...]",
	GroupID: "sync",
	Short:   "Share a tag with other participants",
	Long: `Set the participants a tag is shared with on channel backends (redis).

Each shared tag has one channel per backend. Its access list is the
given participants plus yourself. Listing nobody stops sharing the tag
and deletes its channel.

With no participants and --show, the current share lists are printed.`,
	Example: `  tasksync share @team alice bob
  tasksync share @team          # stop sharing
  tasksync share --show`,
	Args: func(cmd *cobra.Command, args []string) error {
		if show, _ := cmd.Flags().GetBool("show"); show {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.MinimumNArgs(1)(cmd, args)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		store := openStore(cfg)

		if show, _ := cmd.Flags().GetBool("show"); show {
			shares, err := store.LoadShares()
			if err != nil {
				fatalf("Error reading share lists: %v", err)
			}
			if len(shares) == 0 {
				fmt.Println(ui.RenderMuted("No shared tags"))
				return
			}
			rows := [][]string{{"TAG", "PARTICIPANTS"}}
			for _, tag := range shares.Tags() {
				rows = append(rows, []string{tag, strings.Join(shares[tag], " ")})
			}
			fmt.Print(ui.Table(rows))
			return
		}

		tag, participants := args[0], args[1:]
		if _, err := store.SetShare(tag, participants); err != nil {
			fatalf("Error saving share list: %v", err)
		}

		logs := openLogs(cmd, cfg)
		defer logs.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		failed := false
		applied := 0
		for _, bc := range cfg.EnabledBackends() {
			src, err := backend.NewTransport(bc, logs.Logger(bc.Type))
			if err != nil {
				fatalf("Error: %v", err)
			}
			cm, ok := src.(transport.ChannelManager)
			if !ok {
				continue
			}
			err = cm.EnsureChannel(ctx, tag, participants)
			if es, ok := src.(transport.EventSource); ok {
				_ = es.Close()
			}
			if err != nil {
				failed = true
				fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), bc.ID, err)
				continue
			}
			applied++
		}

		if len(participants) == 0 {
			fmt.Printf("%s %s is no longer shared\n", ui.RenderPass("✓"), tag)
		} else {
			fmt.Printf("%s %s shared with %s\n", ui.RenderPass("✓"), tag, strings.Join(participants, ", "))
		}
		if applied == 0 && !failed {
			fmt.Printf("%s No channel backend configured; the share list applies once one is added\n", ui.RenderWarn("⚠"))
		}
		if failed {
			os.Exit(1)
		}
	},
}

func init() {
	shareCmd.Flags().Bool("show", false, "Print the current share lists")
	rootCmd.AddCommand(shareCmd)
}
