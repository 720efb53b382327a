package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/stockwatch/tracker"
)

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check site families and subscriptions without fetching",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.settings()
			if err != nil {
				return err
			}
			db, err := tracker.LoadDB(cmd.Context(), s)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, tracker.Summary(db))
			errs := tracker.Validate(s, db)
			for _, err := range errs {
				fmt.Fprintf(out, "  %v\n", err)
			}
			if len(errs) > 0 {
				return fmt.Errorf("%d problem(s) found", len(errs))
			}
			fmt.Fprintln(out, "ok")
			return nil
		},
	}
}
