package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/curator/internal/config"
	"github.com/pitabwire/curator/internal/storage"
)

func migrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending PostgreSQL schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.Store.Driver != config.DriverPostgres {
				return fmt.Errorf("store.driver is %q; migrations need postgres", cfg.Store.Driver)
			}

			storeCfg := cfg.Store
			storeCfg.AutoMigrate = false
			pool, err := storage.Open(cmd.Context(), storeCfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			m := storage.NewMigrator(pool, logger)
			if err := m.Run(cmd.Context()); err != nil {
				return err
			}
			v, err := m.Version(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", v)
			return nil
		},
	}
}
