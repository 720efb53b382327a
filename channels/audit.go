package channels

import (
	"context"
	"time"

	"github.com/hazyhaar/stockwatch/observability"
)

// Audit operation names.
const (
	OpEmailSend = "email_send"
	OpSMSSend   = "sms_send"
)

// SendRecord describes one send attempt.
type SendRecord struct {
	Operation   string
	RunID       string
	Platform    string
	Destination string
	Attempt     int
	Err         error
	Duration    time.Duration
}

// Auditor receives every send attempt. Record must not block for long.
type Auditor interface {
	Record(ctx context.Context, r SendRecord)
}

// AuditorFunc adapts a function to Auditor.
type AuditorFunc func(ctx context.Context, r SendRecord)

// Record implements Auditor.
func (f AuditorFunc) Record(ctx context.Context, r SendRecord) { f(ctx, r) }

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, SendRecord) {}

// AuditTo persists send attempts to the SQLite audit trail.
func AuditTo(a *observability.AuditLogger) Auditor {
	return AuditorFunc(func(_ context.Context, r SendRecord) {
		e := &observability.AuditEntry{
			Component:   "dispatcher",
			Operation:   r.Operation,
			RunID:       r.RunID,
			Channel:     r.Platform,
			Destination: r.Destination,
			Attempt:     r.Attempt,
			Status:      "success",
			DurationMs:  r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			e.Status = "error"
			e.ErrorMessage = r.Err.Error()
		}
		a.LogAsync(e)
	})
}
