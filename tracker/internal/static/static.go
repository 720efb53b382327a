// Package static is the plain HTTP Resource Fetcher for pages whose
// availability text is present in the server-rendered HTML. Locators are
// CSS selectors evaluated with goquery. Legacy page encodings are decoded
// to UTF-8 from the Content-Type header or the meta charset.
package static

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/hazyhaar/stockwatch/tracker/internal/fetch"
)

// maxBody caps a page read to 10 MiB.
const maxBody = 10 << 20

// DefaultUserAgent is sent unless WithUserAgent overrides it.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Fetcher opens HTTP sessions.
type Fetcher struct {
	client *http.Client
	ua     string
	logger *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets a custom HTTP client.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.ua = ua }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{Timeout: 30 * time.Second},
		ua:     DefaultUserAgent,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Open implements fetch.Opener. The page is fetched immediately.
func (f *Fetcher) Open(ctx context.Context, url string) (fetch.Session, error) {
	s := &Session{f: f, url: url}
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Session holds the last fetched document of one URL.
type Session struct {
	f   *Fetcher
	url string

	mu  sync.Mutex
	doc *goquery.Document
}

// Refresh implements fetch.Session by fetching the page again.
func (s *Session) Refresh(ctx context.Context) error {
	doc, err := s.f.get(ctx, s.url)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// WaitFor implements fetch.Session. A static document never changes
// between fetches, so the locator either matches now or not at all.
func (s *Session) WaitFor(ctx context.Context, loc fetch.Locator, timeout time.Duration) (fetch.Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, fetch.Timeout(s.url, err)
	}
	if loc.Kind != fetch.CSS {
		return nil, fetch.NotFound(s.url, fmt.Errorf("static fetcher supports css locators only, got %s", loc.Kind))
	}
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()
	if doc == nil {
		return nil, fetch.NotFound(s.url, errors.New("no document"))
	}
	sel := doc.Find(loc.Expr).First()
	if sel.Length() == 0 {
		return nil, fetch.NotFound(s.url, fmt.Errorf("no element matches %q", loc.Expr))
	}
	return &element{sel: sel, url: s.url}, nil
}

// Close implements fetch.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	s.doc = nil
	s.mu.Unlock()
	return nil
}

func (f *Fetcher) get(ctx context.Context, url string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fetch.Navigation(url, fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("User-Agent", f.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fetch.Timeout(url, err)
		}
		return nil, fetch.Navigation(url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fetch.Navigation(url, fmt.Errorf("status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fetch.Navigation(url, fmt.Errorf("read body: %w", err))
	}
	utf8, err := charset.NewReader(bytes.NewReader(body), resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fetch.Navigation(url, fmt.Errorf("decode charset: %w", err))
	}
	doc, err := goquery.NewDocumentFromReader(utf8)
	if err != nil {
		return nil, fetch.Navigation(url, fmt.Errorf("parse html: %w", err))
	}

	f.logger.Debug("static: fetched", "url", url, "status", resp.StatusCode, "size", len(body))
	return doc, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

type element struct {
	sel *goquery.Selection
	url string
}

func (e *element) Text() (string, error) {
	return e.sel.Text(), nil
}

func (e *element) Attribute(name string) (string, error) {
	v, ok := e.sel.Attr(name)
	if !ok {
		return "", fetch.NotFound(e.url, fmt.Errorf("no attribute %q", name))
	}
	return v, nil
}
