package channels

import (
	"context"
	"log/slog"
)

// LogChannel writes messages to a logger instead of delivering them.
// Used for dry runs.
type LogChannel struct {
	Name   string
	Logger *slog.Logger
}

// Send implements Channel.
func (c *LogChannel) Send(ctx context.Context, msg Message) error {
	l := c.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "channels: dry run",
		"platform", c.Platform(), "run_id", msg.RunID,
		"destination", msg.Destination, "subject", msg.Subject, "body", msg.Body)
	return nil
}

// Platform implements Channel.
func (c *LogChannel) Platform() string {
	if c.Name == "" {
		return "log"
	}
	return c.Name
}
