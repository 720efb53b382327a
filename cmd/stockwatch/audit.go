package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/stockwatch/dbopen"
	"github.com/hazyhaar/stockwatch/observability"
)

func (c *cli) auditCmd() *cobra.Command {
	var (
		f     observability.AuditFilter
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recorded notification send attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.settings()
			if err != nil {
				return err
			}
			if s.Audit.DB == "" {
				return errors.New("audit.db not set")
			}
			db, err := dbopen.Open(s.Audit.DB, dbopen.WithSchema(observability.Schema))
			if err != nil {
				return err
			}
			defer db.Close()

			if since > 0 {
				t := time.Now().Add(-since)
				f.Since = &t
			}
			al := observability.NewAuditLogger(db, 1)
			defer al.Close()

			entries, err := al.Query(cmd.Context(), f)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tOP\tCHANNEL\tDESTINATION\tATTEMPT\tSTATUS\tRUN\tERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.Operation, e.Channel, e.Destination,
					e.Attempt, e.Status, e.RunID, e.ErrorMessage)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&f.RunID, "run-id", "", "filter by run id (watch::item::url)")
	cmd.Flags().StringVar(&f.Status, "status", "", "filter by status: success, error")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries younger than this, e.g. 24h")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum number of entries")
	cmd.Flags().StringVar(&f.OrderDir, "order", "DESC", "ASC or DESC")
	return cmd
}
