package connectivity

import "fmt"

// ErrRetriesExhausted is returned by Retry when every attempt failed.
type ErrRetriesExhausted struct {
	Attempts int
	Cause    error
}

func (e *ErrRetriesExhausted) Error() string {
	return fmt.Sprintf("connectivity: %d attempts failed: %v", e.Attempts, e.Cause)
}

func (e *ErrRetriesExhausted) Unwrap() error { return e.Cause }

// ErrPermanent marks a failure that another attempt cannot fix, such as a
// rejected recipient address. Retry stops on it.
type ErrPermanent struct {
	Cause error
}

func (e *ErrPermanent) Error() string {
	return fmt.Sprintf("connectivity: permanent: %v", e.Cause)
}

func (e *ErrPermanent) Unwrap() error { return e.Cause }

// Permanent wraps err so that Retry does not try again.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &ErrPermanent{Cause: err}
}
