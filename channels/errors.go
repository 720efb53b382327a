package channels

import "fmt"

// ErrSendFailed is returned by a Channel when a message could not be
// delivered.
type ErrSendFailed struct {
	Platform    string
	Destination string
	Cause       error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("channels: send failed on %s to %s: %v", e.Platform, e.Destination, e.Cause)
}

func (e *ErrSendFailed) Unwrap() error { return e.Cause }

// DispatchError is returned by Notify when an email destination exhausted
// its retries. Destinations after it were not attempted.
type DispatchError struct {
	Destination string
	Attempts    int
	Cause       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("channels: dispatch to %s failed after %d attempts: %v", e.Destination, e.Attempts, e.Cause)
}

func (e *DispatchError) Unwrap() error { return e.Cause }

// ErrNotConfigured is returned when a channel lacks required settings.
type ErrNotConfigured struct {
	Platform string
	Field    string
}

func (e *ErrNotConfigured) Error() string {
	return fmt.Sprintf("channels: %s: %s is required", e.Platform, e.Field)
}
