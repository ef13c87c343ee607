package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/taskstore"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "tasks",
	Short:   "Export tasks as JSONL",
	Long: `Write every task as one JSON object per line, to the given file or to
stdout.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		store := openStore(cfg)

		if len(args) == 0 {
			if _, err := store.Export(os.Stdout); err != nil {
				fatalf("Error exporting tasks: %v", err)
			}
			return
		}

		n, err := store.ExportFile(args[0])
		if err != nil {
			fatalf("Error exporting tasks: %v", err)
		}
		fmt.Fprintf(os.Stderr, "%s Exported %d tasks to %s\n", ui.RenderPass("✓"), n, args[0])
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "tasks",
	Short:   "Import tasks from JSONL",
	Long: `Read tasks written by 'tasksync export'.

Existing tasks are skipped unless --overwrite is given. Backend ids are
dropped unless --keep-remote-ids is given, so that imported tasks are
created fresh on every backend.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		store := openStore(cfg)

		var opts taskstore.ImportOptions
		opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
		opts.Overwrite, _ = cmd.Flags().GetBool("overwrite")
		opts.KeepRemoteIDs, _ = cmd.Flags().GetBool("keep-remote-ids")

		res, err := store.ImportFile(args[0], opts)
		if err != nil {
			fatalf("Error importing tasks: %v", err)
		}

		verb := "Imported"
		if opts.DryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %s: %d created, %d replaced, %d skipped\n",
			ui.RenderPass("✓"), verb, args[0], res.Created, res.Replaced, res.Skipped)
		for _, e := range res.Errors {
			fmt.Printf("   %s %s\n", ui.RenderWarn("⚠"), e)
		}
		if len(res.Errors) > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "Preview without writing")
	importCmd.Flags().Bool("overwrite", false, "Replace tasks that already exist")
	importCmd.Flags().Bool("keep-remote-ids", false, "Keep backend ids from the exporting store")
	rootCmd.AddCommand(exportCmd, importCmd)
}
