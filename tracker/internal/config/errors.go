package config

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a configuration problem.
type ErrorKind string

const (
	KindUnknownItem       ErrorKind = "unknown_item"
	KindUnknownSubscriber ErrorKind = "unknown_subscriber"
	KindUnknownSite       ErrorKind = "unknown_site"
	KindInvalidSite       ErrorKind = "invalid_site"
	KindInvalidItem       ErrorKind = "invalid_item"
	KindInvalidPattern    ErrorKind = "invalid_pattern"
)

// Error is a configuration problem scoped to one site family or item. It
// is unrecoverable for that item only.
type Error struct {
	Kind  ErrorKind
	Site  string
	Item  string
	Ref   string // offending subscriber id or pattern
	Cause error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "config: %s", e.Kind)
	if e.Site != "" {
		fmt.Fprintf(&b, " site=%s", e.Site)
	}
	if e.Item != "" {
		fmt.Fprintf(&b, " item=%s", e.Item)
	}
	if e.Ref != "" {
		fmt.Fprintf(&b, " ref=%q", e.Ref)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }
