package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/curator/internal/definition"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir> [dir...]",
		Short: "Validate seed definition bundles without touching a database",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundles, err := definition.NewLoader().LoadAll(args)
			if err != nil {
				return err
			}

			v := definition.NewValidator()
			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			var failures, workflows, procedures int
			for i := range bundles {
				b := &bundles[i]
				workflows += len(b.Workflows)
				procedures += len(b.Procedures)
				for _, ve := range v.ValidateBundle(b) {
					fmt.Fprintf(errOut, "%s [%s] %s\n", ve.Path, ve.Code, ve.Message)
					failures++
				}
			}
			if failures > 0 {
				return fmt.Errorf("%d validation errors in %d bundles", failures, len(bundles))
			}
			fmt.Fprintf(out, "%d bundles ok: %d workflows, %d procedures\n", len(bundles), workflows, procedures)
			return nil
		},
	}
}
