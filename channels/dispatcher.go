package channels

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/stockwatch/connectivity"
)

// DefaultMaxRetries is the per-destination attempt budget of the email leg.
const DefaultMaxRetries = 3

// Notification is one alert for one item.
type Notification struct {
	Subject string
	Body    string
	Email   []string
	SMS     []string
	RunID   string
}

// SMSBody is the text sent to SMS destinations.
func (n Notification) SMSBody() string {
	return n.Subject + " - " + n.Body
}

// Dispatcher sends notifications over an email channel and an SMS channel.
// It holds no mutable state and is shared by all watches.
type Dispatcher struct {
	email      Channel
	sms        Channel
	maxRetries int
	backoff    time.Duration
	auditor    Auditor
	logger     *slog.Logger
	now        func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxRetries sets the email attempts per destination.
func WithMaxRetries(n int) DispatcherOption {
	return func(d *Dispatcher) { d.maxRetries = n }
}

// WithBackoff sets the wait after the first failed email attempt.
func WithBackoff(b time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.backoff = b }
}

// WithAuditor records every send attempt.
func WithAuditor(a Auditor) DispatcherOption {
	return func(d *Dispatcher) { d.auditor = a }
}

// WithLogger sets a custom logger for the dispatcher.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher. Either channel may be nil when its
// medium is not configured.
func NewDispatcher(email, sms Channel, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		email:      email,
		sms:        sms,
		maxRetries: DefaultMaxRetries,
		auditor:    nopAuditor{},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Notify sends n. Email destinations are served in order, each retried up
// to the retry budget; the first destination to exhaust it aborts the call
// with a *DispatchError. SMS destinations get one send each, only after
// the email leg succeeded, and their failures are logged but never
// returned.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) error {
	if err := d.emailLeg(ctx, n); err != nil {
		return err
	}
	d.smsLeg(ctx, n)
	return nil
}

func (d *Dispatcher) emailLeg(ctx context.Context, n Notification) error {
	if len(n.Email) == 0 {
		return nil
	}
	if d.email == nil {
		return &DispatchError{Destination: n.Email[0], Cause: &ErrNotConfigured{Platform: "email", Field: "channel"}}
	}

	policy := connectivity.Policy{MaxAttempts: d.maxRetries, Backoff: d.backoff}
	for _, dest := range n.Email {
		msg := Message{Destination: dest, Subject: n.Subject, Body: n.Body, RunID: n.RunID, Timestamp: d.now()}
		attempts, err := connectivity.Retry(ctx, policy, func(ctx context.Context, attempt int) error {
			return d.send(ctx, d.email, OpEmailSend, msg, attempt)
		})
		if err != nil {
			d.logger.ErrorContext(ctx, "channels: email undeliverable",
				"run_id", n.RunID, "destination", dest, "attempts", attempts, "error", err)
			return &DispatchError{Destination: dest, Attempts: attempts, Cause: err}
		}
		d.logger.InfoContext(ctx, "channels: email sent",
			"run_id", n.RunID, "destination", dest, "attempts", attempts)
	}
	return nil
}

func (d *Dispatcher) smsLeg(ctx context.Context, n Notification) {
	if len(n.SMS) == 0 {
		return
	}
	if d.sms == nil {
		d.logger.WarnContext(ctx, "channels: sms destinations without sms channel",
			"run_id", n.RunID, "destinations", len(n.SMS))
		return
	}
	body := n.SMSBody()
	for _, dest := range n.SMS {
		msg := Message{Destination: dest, Body: body, RunID: n.RunID, Timestamp: d.now()}
		if err := d.send(ctx, d.sms, OpSMSSend, msg, 1); err != nil {
			d.logger.WarnContext(ctx, "channels: sms failed",
				"run_id", n.RunID, "destination", dest, "error", err)
			continue
		}
		d.logger.InfoContext(ctx, "channels: sms sent", "run_id", n.RunID, "destination", dest)
	}
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, op string, msg Message, attempt int) (err error) {
	start := d.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channels: %s panicked: %v", ch.Platform(), r)
		}
		d.auditor.Record(ctx, SendRecord{
			Operation:   op,
			RunID:       msg.RunID,
			Platform:    ch.Platform(),
			Destination: msg.Destination,
			Attempt:     attempt,
			Err:         err,
			Duration:    d.now().Sub(start),
		})
	}()
	return ch.Send(ctx, msg)
}
