package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/erpsync"
	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	apiFlags := &APIFlags{}

	root := &cobra.Command{
		Use:   "erpsync",
		Short: "Legacy ERP sync and order arbitration daemon",
		Long: `Erpsync arbitrates a small pool of headless browser sessions against a
legacy web ERP: prioritized domain syncs with page checkpoints, plus a
serialized order queue.

Examples:
  erpsync serve config.toml                 # Start the daemon
  erpsync sync customers --priority=80      # Request a sync
  erpsync status                            # Orchestrator and pool state
  erpsync order create --file=order.json    # Enqueue an order`,
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file (optional)")

	root.AddCommand(
		createServeCommand(globalFlags),
		createSyncCommand(apiFlags),
		createStatusCommand(apiFlags),
		createFastPathCommand(apiFlags),
		createCheckpointCommand(apiFlags),
		createOrderCommand(apiFlags),
	)
	return root
}

// createServeCommand creates the serve subcommand.
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the erpsync daemon",
		Long: `Start the daemon: browser pool, sync orchestrator, order queue, cron
schedules and the HTTP management API. All configuration comes from the
TOML config file.

Examples:
  erpsync serve config.toml
  erpsync serve --config=/etc/erpsync/config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			if configPath == "" {
				return fmt.Errorf("config file required. Use --config=config.toml or provide as argument")
			}
			return runServe(configPath)
		},
	}
}

func runServe(configPath string) error {
	cfg, err := erpsync.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	driver, err := erpsync.OpenDriver(cfg)
	if err != nil {
		return err
	}

	app := erpsync.New(cfg, driver)
	ctx := context.Background()
	if err := app.Init(ctx); err != nil {
		return err
	}
	app.Serve()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	return app.Shutdown(ctx)
}
