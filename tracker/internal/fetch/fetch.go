// Package fetch defines the Resource Fetcher contract the watch engine
// consumes. A Session is one navigated page owned by exactly one watch.
package fetch

import (
	"context"
	"fmt"
	"time"
)

// LocatorKind selects how a Locator expression is evaluated.
type LocatorKind string

const (
	XPath LocatorKind = "xpath"
	CSS   LocatorKind = "css"
)

// Locator finds the availability element on a page.
type Locator struct {
	Kind LocatorKind
	Expr string
}

func (l Locator) String() string {
	return string(l.Kind) + ":" + l.Expr
}

// Opener opens fresh sessions.
type Opener interface {
	Open(ctx context.Context, url string) (Session, error)
}

// Session is a navigated page.
type Session interface {
	// WaitFor blocks until the element at loc is present (and visible for
	// browser sessions) or timeout elapses.
	WaitFor(ctx context.Context, loc Locator, timeout time.Duration) (Content, error)
	// Refresh reloads the page in place.
	Refresh(ctx context.Context) error
	// Close releases the session. Safe to call more than once.
	Close() error
}

// Content is a located element.
type Content interface {
	Text() (string, error)
	Attribute(name string) (string, error)
}

// Read returns the attribute when attr is set, else the text.
func Read(c Content, attr string) (string, error) {
	if attr != "" {
		return c.Attribute(attr)
	}
	return c.Text()
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, url string) (Session, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, url string) (Session, error) { return f(ctx, url) }

// ErrorKind classifies a fetch failure. All kinds are retryable.
type ErrorKind string

const (
	KindTimeout    ErrorKind = "timeout"
	KindNavigation ErrorKind = "navigation"
	KindNotFound   ErrorKind = "not_found"
)

// Error is a fetch failure.
type Error struct {
	Kind  ErrorKind
	URL   string
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch: %s %s: %v", e.Kind, e.URL, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Timeout, Navigation and NotFound build an *Error of the matching kind.
func Timeout(url string, cause error) error { return &Error{Kind: KindTimeout, URL: url, Cause: cause} }
func Navigation(url string, cause error) error { return &Error{Kind: KindNavigation, URL: url, Cause: cause} }
func NotFound(url string, cause error) error { return &Error{Kind: KindNotFound, URL: url, Cause: cause} }
