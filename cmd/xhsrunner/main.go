package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/GalaxyXieyu/xhs-runner/internal/client"
	"github.com/GalaxyXieyu/xhs-runner/internal/config"
	"github.com/GalaxyXieyu/xhs-runner/internal/ui"
)

var version = "dev"

// runMenu is replaced in tests.
var runMenu = ui.RunMenu

type rootOptions struct {
	configPath string
	dbPath     string
	logLevel   string
	serverURL  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "xhsrunner",
		Short:         "Run content generation workflows as persistent, observable tasks",
		Long:          `xhsrunner submits content generation workflows, persists every event they emit, and lets humans follow and answer them over HTTP, SSE, MCP or the terminal.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The task picker is skipped when no server can be resolved.
			var lister ui.TaskLister
			if c, err := opts.client(); err == nil {
				lister = c
			}
			sel, err := runMenu(cmd.Context(), lister)
			if err != nil {
				return fmt.Errorf("failed to run menu: %w", err)
			}
			if sel == nil {
				return nil
			}
			sub, _, err := cmd.Find([]string{sel.Command})
			if err != nil || sub == cmd {
				return fmt.Errorf("unknown command: %s", sel.Command)
			}
			if err := sub.ValidateArgs(sel.Args); err != nil {
				return err
			}
			sub.SetContext(cmd.Context())
			return sub.RunE(sub, sel.Args)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", config.DefaultPath, "Path to config file")
	pf.StringVar(&opts.dbPath, "db-path", "", "Path to database file (overrides config)")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	pf.StringVar(&opts.serverURL, "server", "", "Server URL for client commands (defaults to http://<server.addr>)")

	root.AddCommand(
		newInitCmd(opts),
		newServeCmd(opts),
		newMCPCmd(opts),
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newEventsCmd(opts),
		newRespondCmd(opts),
		newListCmd(opts),
		newWatchCmd(opts),
		newDeleteCmd(opts),
		newExportCmd(opts),
	)
	return root
}

// loadConfig reads the config file and applies flag overrides.
func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.dbPath != "" {
		cfg.Database.Path = o.dbPath
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, cfg.Validate()
}

func (o *rootOptions) logger(cfg config.Config) *slog.Logger {
	return cfg.Logging.NewLogger(os.Stderr)
}

func (o *rootOptions) client() (*client.HTTPClient, error) {
	if o.serverURL != "" {
		return client.NewHTTPClient(o.serverURL), nil
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return client.NewHTTPClient("http://" + cfg.Server.Addr), nil
}
