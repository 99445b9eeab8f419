package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pitabwire/curator/internal/config"
	"github.com/pitabwire/curator/internal/definition"
	"github.com/pitabwire/curator/internal/storage"
	"github.com/pitabwire/curator/internal/workflow"
)

func overdueCmd(opts *options) *cobra.Command {
	var (
		scope  workflow.OverdueScope
		format string
	)

	cmd := &cobra.Command{
		Use:   "overdue",
		Short: "List unfinished tasks past their due date",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "table" && format != "json" {
				return fmt.Errorf("unknown --format %q (table, json)", format)
			}
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.Store.Driver != config.DriverPostgres {
				return fmt.Errorf("store.driver is %q; overdue reads the postgres store", cfg.Store.Driver)
			}

			pool, err := storage.Open(cmd.Context(), cfg.Store, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			tasks := workflow.NewPgStore(pool)
			defStore := definition.NewPgStore(pool)
			engine := workflow.NewEngine(workflow.Deps{
				Store:        tasks,
				Definitions:  definition.NewService(defStore, tasks, nil, logger),
				Configs:      definition.NewResolver(defStore, cfg.Workflow.FallbackFinalStates, nil, logger),
				Logger:       logger,
				OverdueLimit: cfg.Workflow.OverdueLimit,
			})

			overdue, err := engine.ListOverdue(cmd.Context(), scope)
			if err != nil {
				return err
			}
			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(overdue)
			}
			return writeOverdueTable(cmd.OutOrStdout(), overdue)
		},
	}

	f := cmd.Flags()
	f.StringVar(&scope.ProcedureType, "procedure-type", "", "only tasks of this procedure type")
	f.StringVar(&scope.WorkflowID, "workflow", "", "only tasks of this workflow")
	f.StringVar(&scope.AssignedTo, "assigned-to", "", "only tasks held by this user")
	f.IntVar(&scope.Limit, "limit", 0, "maximum number of tasks (0 uses workflow.overdue_limit)")
	f.StringVar(&format, "format", "table", "output format: table or json")
	return cmd
}

func writeOverdueTable(w io.Writer, tasks []workflow.OverdueTask) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DAYS\tTASK\tOBJECT\tPROCESS\tSTATUS\tASSIGNED\tPRIORITY\tDUE")
	for _, t := range tasks {
		process := t.WorkflowID
		if t.ProcedureType != "" {
			process = t.ProcedureType + ":" + t.CurrentState
		}
		assigned := t.AssignedTo
		if assigned == "" {
			assigned = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s/%s\t%s\t%s\t%s\t%s\t%s\n",
			t.DaysOverdue, t.ID, t.ObjectType, t.ObjectID, process,
			t.Status, assigned, t.Priority, t.DueDate.Format("2006-01-02"))
	}
	return tw.Flush()
}
