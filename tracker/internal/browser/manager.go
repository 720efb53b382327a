// Package browser is the go-rod Resource Fetcher. One Chrome process is
// shared; every session is its own incognito context and stealth page, so
// sessions never share cookies, storage or DOM.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"github.com/hazyhaar/stockwatch/tracker/internal/fetch"
)

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty launches a local Chrome via launcher.
	RemoteURL string
	// Bin is the Chrome binary for local launch. Empty lets launcher
	// find or download one.
	Bin string
	// Headful shows the browser window. Default: headless.
	Headful bool
	// Stealth applies go-rod/stealth evasions to every page.
	Stealth bool
	// ResourceBlocking lists resource types to block (images, fonts, media, stylesheets).
	ResourceBlocking []string
	// NavigateTimeout bounds Open. Default: 30s.
	NavigateTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the Chrome process and opens sessions on it.
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool

	// Replaced in tests. launch runs with mu held.
	launch  func(ctx context.Context) (*rod.Browser, error)
	release func(b *rod.Browser)
	openOn  func(ctx context.Context, b *rod.Browser, url string) (fetch.Session, error)
}

// NewManager creates a Manager. Call Start to launch Chrome.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	m := &Manager{cfg: cfg}
	m.launch = m.launchChrome
	m.release = m.closeBrowser
	m.openOn = func(ctx context.Context, b *rod.Browser, url string) (fetch.Session, error) {
		s, err := openSession(ctx, b, url, m.cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return m
}

// Start launches Chrome or connects to the remote instance.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("browser: manager is closed")
	}
	if m.browser != nil {
		return nil
	}
	return m.launchLocked(ctx)
}

// Open implements fetch.Opener. When the browser connection is gone (Chrome
// crashed) it relaunches once before giving up. Concurrent callers that
// failed on the same dead browser share one relaunch.
func (m *Manager) Open(ctx context.Context, url string) (fetch.Session, error) {
	s, failed, err := m.open(ctx, url)
	if err == nil {
		return s, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	var fe *fetch.Error
	if errors.As(err, &fe) {
		return nil, err
	}
	m.cfg.Logger.Warn("browser: open failed, relaunching chrome", "url", url, "error", err)
	if rerr := m.relaunch(ctx, failed); rerr != nil {
		return nil, fetch.Navigation(url, fmt.Errorf("%v (relaunch: %w)", err, rerr))
	}
	s, _, err = m.open(ctx, url)
	return s, err
}

// open opens a session on the current browser and returns the browser it
// used, nil when there was none.
func (m *Manager) open(ctx context.Context, url string) (fetch.Session, *rod.Browser, error) {
	m.mu.Lock()
	b := m.browser
	m.mu.Unlock()
	if b == nil {
		return nil, nil, fmt.Errorf("browser: no active browser")
	}
	s, err := m.openOn(ctx, b, url)
	return s, b, err
}

// Close shuts Chrome down. Sessions opened from it become unusable.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanupLocked()
	return nil
}

// relaunch replaces failed with a fresh browser. It is a no-op when
// another caller already replaced it.
func (m *Manager) relaunch(ctx context.Context, failed *rod.Browser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("browser: manager is closed")
	}
	if m.browser != nil && m.browser != failed {
		return nil
	}
	m.cleanupLocked()
	return m.launchLocked(ctx)
}

func (m *Manager) launchLocked(ctx context.Context) error {
	b, err := m.launch(ctx)
	if err != nil {
		return err
	}
	m.browser = b
	return nil
}

func (m *Manager) launchChrome(ctx context.Context) (*rod.Browser, error) {
	log := m.cfg.Logger

	var wsURL string
	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Context(ctx).Headless(!m.cfg.Headful)
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		}
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL, "headful", m.cfg.Headful)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return b, nil
}

func (m *Manager) closeBrowser(b *rod.Browser) {
	if err := b.Close(); err != nil {
		m.cfg.Logger.Debug("browser: close", "error", err)
	}
}

func (m *Manager) cleanupLocked() {
	if m.browser != nil {
		m.release(m.browser)
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
}
