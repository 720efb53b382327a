// Package channels delivers alert notifications. A Channel pushes one
// message to one destination on one medium (email, SMS, log); the
// Dispatcher fans a notification out across channels with the email leg
// retried and fail-fast and the SMS leg best-effort.
//
//	d := channels.NewDispatcher(email, sms,
//		channels.WithMaxRetries(3),
//		channels.WithAuditor(channels.AuditTo(auditLogger)),
//	)
//	err := d.Notify(ctx, channels.Notification{Subject: s, Body: url, Email: to})
//
// Channels hold read-only configuration and open a fresh connection per
// send, so one Channel value is shared by every watch.
package channels

import (
	"context"
	"time"
)

// Message is one outbound message to one destination.
type Message struct {
	Destination string
	Subject     string // ignored by channels without a subject line
	Body        string
	RunID       string
	Timestamp   time.Time
}

// Channel sends messages on one medium.
type Channel interface {
	// Send delivers msg. Implementations open their own connection and
	// honour ctx cancellation.
	Send(ctx context.Context, msg Message) error
	// Platform names the medium, e.g. "smtp", "twilio", "log".
	Platform() string
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc struct {
	Name string
	Fn   func(ctx context.Context, msg Message) error
}

// Send implements Channel.
func (c ChannelFunc) Send(ctx context.Context, msg Message) error { return c.Fn(ctx, msg) }

// Platform implements Channel.
func (c ChannelFunc) Platform() string { return c.Name }
