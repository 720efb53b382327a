// Command stockwatch watches retailer product pages and alerts
// subscribers by email and SMS when the availability text changes.
//
// Usage:
//
//	stockwatch run --config stockwatch.yaml     # watch until interrupted
//	stockwatch validate                         # check sites and subscriptions
//	stockwatch check amazon switch-oled         # read one item once
//	stockwatch audit --status error --since 24h # list send attempts
//	stockwatch import                           # copy the files into data.sqlite
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/stockwatch/observability"
	"github.com/hazyhaar/stockwatch/tracker"

	_ "modernc.org/sqlite"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cli holds the persistent flags shared by every subcommand.
type cli struct {
	cfgFile  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "stockwatch",
		Short: "Stock availability watcher",
		Long: `stockwatch polls product pages on retailer sites, reads the availability
element of each subscribed item and notifies its subscribers when the
stable reading changes.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default: ./stockwatch.yaml)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error, critical")

	root.AddCommand(
		c.runCmd(),
		c.validateCmd(),
		c.checkCmd(),
		c.auditCmd(),
		c.importCmd(),
		versionCmd(),
	)
	return root
}

func (c *cli) settings() (*tracker.Settings, error) {
	s, err := tracker.LoadSettings(c.cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if c.logLevel != "" {
		s.Log.Level = c.logLevel
	}
	return s, nil
}

func newLogger(s *tracker.Settings, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	return observability.NewLogger(observability.LoggerConfig{
		Level:  observability.ParseLevel(s.Log.Level),
		Format: s.Log.Format,
		Dir:    s.Log.Dir,
		Stderr: stderr,
	})
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stockwatch version %s\n", version)
		},
	}
}
