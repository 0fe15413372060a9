package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/GalaxyXieyu/xhs-runner/internal/config"
	"github.com/GalaxyXieyu/xhs-runner/internal/db"
)

const gitignoreContent = "xhsrunner.db*\nsamples*.jsonl\nsnapshots/\n"

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Create the .xhsrunner directory, config file and database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targetDir := "."
			if len(args) > 0 {
				targetDir = args[0]
			}
			return runInit(cmd.Context(), cmd, opts, targetDir)
		},
	}
}

func runInit(ctx context.Context, cmd *cobra.Command, opts *rootOptions, targetDir string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	baseDir := filepath.Join(targetDir, config.DefaultDir)
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", config.DefaultDir, err)
	}
	fmt.Fprintf(out, "✓ Created %s/ directory\n", config.DefaultDir)

	if err := os.WriteFile(filepath.Join(baseDir, ".gitignore"), []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("failed to create .gitignore: %w", err)
	}
	fmt.Fprintf(out, "✓ Created %s/.gitignore\n", config.DefaultDir)

	// Relative paths in the default config are resolved against targetDir.
	cfg := config.Default()
	configPath := filepath.Join(targetDir, config.DefaultPath)
	if opts.configPath != config.DefaultPath {
		configPath = opts.configPath
	}
	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		if err := config.Write(configPath, cfg); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Wrote config to %s\n", configPath)
	} else if err != nil {
		return fmt.Errorf("failed to stat config: %w", err)
	} else {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		fmt.Fprintf(out, "✓ Using existing config %s\n", configPath)
	}

	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(targetDir, p)
	}

	if cfg.Engine.Kind == config.EngineScript {
		if err := os.MkdirAll(resolve(cfg.Engine.ScriptDir), 0755); err != nil {
			return fmt.Errorf("failed to create workflow directory: %w", err)
		}
		fmt.Fprintf(out, "✓ Created workflow directory %s\n", cfg.Engine.ScriptDir)
	}

	dbPath := resolve(cfg.Database.Path)
	if opts.dbPath != "" {
		dbPath = opts.dbPath
	}
	database, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	fmt.Fprintf(out, "✓ Initialized database at %s\n", dbPath)

	fmt.Fprintln(out, "✓ xhsrunner initialized successfully")
	return nil
}
