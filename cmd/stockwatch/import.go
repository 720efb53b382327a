package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/stockwatch/tracker"
)

func (c *cli) importCmd() *cobra.Command {
	var items, subscribers string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Copy the items and subscribers files into data.sqlite",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.settings()
			if err != nil {
				return err
			}
			if items == "" {
				items = s.Data.Items
			}
			if subscribers == "" {
				subscribers = s.Data.Subscribers
			}
			db, err := tracker.LoadFiles(items, subscribers)
			if err != nil {
				return err
			}
			if err := tracker.ImportDB(cmd.Context(), s, db); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s into %s\n", tracker.Summary(db), s.Data.SQLite)
			return nil
		},
	}
	cmd.Flags().StringVar(&items, "items", "", "items file (default: data.items)")
	cmd.Flags().StringVar(&subscribers, "subscribers", "", "subscribers file (default: data.subscribers)")
	return cmd
}
