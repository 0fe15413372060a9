package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/GalaxyXieyu/xhs-runner/internal/db"
)

func newExportCmd(opts *rootOptions) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "export <task-id>",
		Short: "Write a task and its full event log to a JSONL snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if outPath == "" {
				outPath = filepath.Join(cfg.Snapshot.Path, fmt.Sprintf("task-%d.jsonl", id))
			}

			database, err := db.Open(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.Init(cmd.Context()); err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			if err := database.ExportTaskSnapshot(cmd.Context(), id, outPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Exported task %d to %s\n", id, outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file (defaults to <snapshot.path>/task-<id>.jsonl)")
	return cmd
}
