package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/stockwatch/tracker"
)

func (c *cli) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <family> <item>",
		Short: "Read one item once and print what a watch would see",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.settings()
			if err != nil {
				return err
			}
			logger, closer, err := newLogger(s, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx := cmd.Context()
			db, err := tracker.LoadDB(ctx, s)
			if err != nil {
				return err
			}
			e, err := tracker.New(ctx, s, tracker.WithLogger(logger))
			if err != nil {
				return err
			}
			defer e.Close()

			p, err := e.Check(ctx, db, args[0], args[1])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "url\t%s\n", p.URL)
			fmt.Fprintf(w, "raw\t%q\n", p.Raw)
			fmt.Fprintf(w, "reading\t%q\n", p.Reading)
			fmt.Fprintf(w, "excluded\t%v\n", p.Excluded)
			fmt.Fprintf(w, "took\t%s\n", p.Took.Round(time.Millisecond))
			return w.Flush()
		},
	}
}
