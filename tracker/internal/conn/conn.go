// Package conn owns the fetch session of one watch: fresh acquisition,
// best-effort release, and the forced reconnect every K polls.
package conn

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/hazyhaar/stockwatch/tracker/internal/fetch"
)

// DefaultRefreshEvery is the forced-reconnect period in polls.
const DefaultRefreshEvery = 3

// Manager holds at most one session at a time. It is not safe for
// concurrent use; each watch owns its own Manager.
type Manager struct {
	opener       fetch.Opener
	url          string
	refreshEvery int
	logger       *slog.Logger

	session    fetch.Session
	reconnects atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithRefreshEvery sets K. Values below 1 disable the forced reconnect.
func WithRefreshEvery(k int) Option {
	return func(m *Manager) { m.refreshEvery = k }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a Manager for url. No session is opened until Acquire.
func New(opener fetch.Opener, url string, opts ...Option) *Manager {
	m := &Manager{
		opener:       opener,
		url:          url,
		refreshEvery: DefaultRefreshEvery,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Acquire closes the current session, if any, and opens a fresh one.
// On failure the Manager holds no session.
func (m *Manager) Acquire(ctx context.Context) error {
	if m.session != nil {
		m.reconnects.Add(1)
	}
	m.Release()
	s, err := m.opener.Open(ctx, m.url)
	if err != nil {
		return fmt.Errorf("conn: acquire %s: %w", m.url, err)
	}
	m.session = s
	return nil
}

// RefreshIfDue reconnects when pollCount is a positive multiple of K.
// It reports whether a reconnect was attempted.
func (m *Manager) RefreshIfDue(ctx context.Context, pollCount int) (bool, error) {
	if !Due(pollCount, m.refreshEvery) {
		return false, nil
	}
	m.logger.Debug("conn: forced reconnect", "url", m.url, "poll", pollCount, "every", m.refreshEvery)
	return true, m.Acquire(ctx)
}

// Due reports whether pollCount falls on a forced-reconnect boundary.
func Due(pollCount, every int) bool {
	return every > 0 && pollCount > 0 && pollCount%every == 0
}

// Session returns the current session, or nil.
func (m *Manager) Session() fetch.Session { return m.session }

// Release closes the current session. Close errors are logged and dropped.
func (m *Manager) Release() {
	if m.session == nil {
		return
	}
	if err := m.session.Close(); err != nil {
		m.logger.Debug("conn: release", "url", m.url, "error", err)
	}
	m.session = nil
}

// Reconnects counts acquisitions that replaced an existing session.
func (m *Manager) Reconnects() int64 { return m.reconnects.Load() }

// URL returns the managed URL.
func (m *Manager) URL() string { return m.url }
