package main

import (
	"github.com/spf13/cobra"

	"github.com/hazyhaar/stockwatch/tracker"
)

func (c *cli) runCmd() *cobra.Command {
	var dryRun, announce bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch every subscribed item until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.settings()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("dry-run") {
				s.DryRun = dryRun
			}
			if cmd.Flags().Changed("announce") {
				s.Announce = announce
			}

			logger, closer, err := newLogger(s, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx := cmd.Context()
			db, err := tracker.LoadDB(ctx, s)
			if err != nil {
				logger.Error("stockwatch: load subscriptions", "error", err)
				return err
			}
			logger.Info("stockwatch: subscriptions loaded", "summary", tracker.Summary(db))

			e, err := tracker.New(ctx, s, tracker.WithLogger(logger))
			if err != nil {
				logger.Error("stockwatch: init", "error", err)
				return err
			}
			defer func() {
				if err := e.Close(); err != nil {
					logger.Warn("stockwatch: close", "error", err)
				}
			}()

			if err := e.Run(ctx, db); err != nil {
				logger.Error("stockwatch: fatal", "error", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log notifications instead of sending them")
	cmd.Flags().BoolVar(&announce, "announce", false, "notify the first stable reading of each item")
	return cmd
}
