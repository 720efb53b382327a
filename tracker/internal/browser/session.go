package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/stockwatch/tracker/internal/fetch"
)

// Session is one incognito context with one page.
type Session struct {
	url       string
	incognito *rod.Browser
	page      *rod.Page
	router    *rod.HijackRouter
	navigate  time.Duration

	closeOnce sync.Once
	closeErr  error
}

func openSession(ctx context.Context, b *rod.Browser, url string, cfg Config) (*Session, error) {
	inc, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("browser: incognito context: %w", err)
	}

	var page *rod.Page
	if cfg.Stealth {
		page, err = stealth.Page(inc)
	} else {
		page, err = inc.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		inc.Close()
		return nil, fmt.Errorf("browser: create page: %w", err)
	}

	s := &Session{url: url, incognito: inc, page: page, navigate: cfg.NavigateTimeout}

	if len(cfg.ResourceBlocking) > 0 {
		s.router = applyResourceBlocking(page, cfg.ResourceBlocking)
	}

	navCtx, cancel := context.WithTimeout(ctx, cfg.NavigateTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(url); err != nil {
		s.Close()
		return nil, classify(navCtx, url, fetch.KindNavigation, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		cfg.Logger.Warn("browser: wait load", "url", url, "error", err)
	}
	return s, nil
}

// WaitFor implements fetch.Session.
func (s *Session) WaitFor(ctx context.Context, loc fetch.Locator, timeout time.Duration) (fetch.Content, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	p := s.page.Context(tctx)

	var el *rod.Element
	var err error
	switch loc.Kind {
	case fetch.CSS:
		el, err = p.Element(loc.Expr)
	default:
		el, err = p.ElementX(loc.Expr)
	}
	if err != nil {
		return nil, classify(tctx, s.url, fetch.KindNotFound, err)
	}
	if err := el.WaitVisible(); err != nil {
		return nil, classify(tctx, s.url, fetch.KindNotFound, err)
	}
	return &element{el: el.Context(ctx), url: s.url}, nil
}

// Refresh implements fetch.Session.
func (s *Session) Refresh(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, s.navigate)
	defer cancel()
	p := s.page.Context(rctx)
	if err := p.Reload(); err != nil {
		return classify(rctx, s.url, fetch.KindNavigation, err)
	}
	if err := p.WaitLoad(); err != nil {
		return classify(rctx, s.url, fetch.KindNavigation, err)
	}
	return nil
}

// Close implements fetch.Session. Closing the incognito browser disposes
// its context together with the page.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.router != nil {
			s.router.Stop()
		}
		if err := s.page.Close(); err != nil {
			s.closeErr = err
		}
		if err := s.incognito.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}

type element struct {
	el  *rod.Element
	url string
}

func (e *element) Text() (string, error) {
	text, err := e.el.Text()
	if err != nil {
		return "", fetch.NotFound(e.url, err)
	}
	return text, nil
}

// Attribute reads the DOM property first (what a form control currently
// shows), falling back to the HTML attribute.
func (e *element) Attribute(name string) (string, error) {
	prop, err := e.el.Property(name)
	if err == nil && !prop.Nil() {
		return prop.Str(), nil
	}
	attr, err := e.el.Attribute(name)
	if err != nil {
		return "", fetch.NotFound(e.url, err)
	}
	if attr == nil {
		return "", fetch.NotFound(e.url, fmt.Errorf("no attribute %q", name))
	}
	return *attr, nil
}

func classify(ctx context.Context, url string, kind fetch.ErrorKind, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fetch.Timeout(url, err)
	}
	return &fetch.Error{Kind: kind, URL: url, Cause: err}
}
