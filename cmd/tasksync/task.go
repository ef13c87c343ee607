package main

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/task"
	"github.com/mschirtzinger/tasksync/internal/taskstore"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "tasks",
	Short:   "Manage tasks in the local store",
	Long: `Create, list, close and remove tasks in the local store.

A running daemon notices the file changes and syncs them to every
backend whose tags match.`,
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a task",
	Example: `  tasksync task add "Write report" --tag @work --due "next friday"
  tasksync task add "Book venue" -t @team --start 2024-05-01`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		store := openStore(cfg)

		t := task.New(strings.Join(args, " "))
		t.Description, _ = cmd.Flags().GetString("desc")
		t.Tags, _ = cmd.Flags().GetStringSlice("tag")

		now := time.Now()
		var err error
		due, _ := cmd.Flags().GetString("due")
		if t.DueDate, err = parseDateArg(due, now); err != nil {
			fatalf("Error: %v", err)
		}
		start, _ := cmd.Flags().GetString("start")
		if t.StartDate, err = parseDateArg(start, now); err != nil {
			fatalf("Error: %v", err)
		}

		if err := store.CreateTask(t); err != nil {
			fatalf("Error creating task: %v", err)
		}
		fmt.Printf("%s Created %s %s\n", ui.RenderPass("✓"), shortID(t.ID), t.Title)
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		store := openStore(cfg)

		all, _ := cmd.Flags().GetBool("all")
		tags, _ := cmd.Flags().GetStringSlice("tag")

		tasks, err := store.ListTasks()
		if err != nil {
			fatalf("Error listing tasks: %v", err)
		}
		tasks = slices.DeleteFunc(tasks, func(t *task.Task) bool {
			if !all && t.Status != task.StatusOpen {
				return true
			}
			for _, tag := range tags {
				if !t.HasTag(tag) {
					return true
				}
			}
			return false
		})
		sort.SliceStable(tasks, func(i, j int) bool { return lessByDue(tasks[i], tasks[j]) })

		if len(tasks) == 0 {
			fmt.Println(ui.RenderMuted("No tasks"))
			return
		}

		rows := [][]string{{"ID", "STATUS", "DUE", "TITLE", "TAGS", "SYNCED"}}
		for _, t := range tasks {
			rows = append(rows, []string{
				shortID(t.ID),
				renderStatus(t.Status),
				task.FormatDate(t.DueDate),
				ui.Truncate(t.Title, 50),
				strings.Join(t.Tags, " "),
				strings.Join(syncedOn(t), ","),
			})
		}
		fmt.Print(ui.Table(rows))
	},
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Close a task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		store := openStore(cfg)

		status := task.StatusClosed
		if dismiss, _ := cmd.Flags().GetBool("dismiss"); dismiss {
			status = task.StatusDismissed
		}
		t := mustResolve(store, args[0])
		t.Status = status
		t.Touch()
		if err := store.SaveTask(t); err != nil {
			fatalf("Error saving task: %v", err)
		}
		fmt.Printf("%s %s %s\n", ui.RenderPass("✓"), status, t.Title)
	},
}

var taskRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a task",
	Long: `Delete a task from the local store. Backends that hold the task delete
their copy on the next cycle.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		store := openStore(cfg)

		t := mustResolve(store, args[0])
		if err := store.DeleteTask(t.ID); err != nil {
			fatalf("Error deleting task: %v", err)
		}
		fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), t.Title)
	},
}

func mustResolve(store *taskstore.Store, prefix string) *task.Task {
	id, err := store.Resolve(prefix)
	if err != nil {
		fatalf("Error: %v", err)
	}
	t, err := store.GetTask(id)
	if err != nil {
		fatalf("Error reading task: %v", err)
	}
	return t
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func renderStatus(s task.Status) string {
	switch s {
	case task.StatusOpen:
		return ui.RenderAccent(string(s))
	case task.StatusClosed:
		return ui.RenderPass(string(s))
	default:
		return ui.RenderMuted(string(s))
	}
}

// syncedOn returns the ids of the backends that hold t, sorted.
func syncedOn(t *task.Task) []string {
	ids := make([]string, 0, len(t.RemoteIDs))
	for id := range t.RemoteIDs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// lessByDue orders dated tasks first, earliest due date first.
func lessByDue(a, b *task.Task) bool {
	switch {
	case a.DueDate == nil:
		return false
	case b.DueDate == nil:
		return true
	default:
		return a.DueDate.Before(*b.DueDate)
	}
}

func init() {
	taskAddCmd.Flags().StringSliceP("tag", "t", nil, "Tag, e.g. @work (repeatable)")
	taskAddCmd.Flags().String("desc", "", "Description")
	taskAddCmd.Flags().String("due", "", `Due date: YYYY-MM-DD or e.g. "next friday"`)
	taskAddCmd.Flags().String("start", "", "Start date, same formats as --due")

	taskListCmd.Flags().BoolP("all", "a", false, "Include closed and dismissed tasks")
	taskListCmd.Flags().StringSliceP("tag", "t", nil, "Only tasks carrying every given tag")

	taskDoneCmd.Flags().Bool("dismiss", false, "Mark as dismissed instead of closed")

	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskDoneCmd, taskRmCmd)
	rootCmd.AddCommand(taskCmd)
}
