// Package main is curatorctl, the administration CLI for the curator
// workflow server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/curator/internal/config"
	"github.com/pitabwire/curator/internal/observability"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "curatorctl",
		Short: "Administer the curator workflow server",
		Long: `curatorctl validates workflow and procedure seed definitions, applies
database migrations, and reports overdue tasks.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override observability.log_level")

	cmd.AddCommand(
		validateCmd(),
		migrateCmd(opts),
		overdueCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "curatorctl version %s (commit %s)\n", version, commit)
			},
		},
	)
	return cmd
}

// load reads the configuration and builds a logger from it.
func (o *options) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Observability.LogLevel = o.logLevel
	}
	logger, err := observability.NewLoggerTo(cfg.Observability, "stderr")
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, logger, nil
}
