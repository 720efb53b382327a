package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/stockwatch/tracker/internal/fetch"
)

func TestShouldBlock(t *testing.T) {
	set := map[string]bool{"images": true, "fonts": true, "xhr": true}
	cases := []struct {
		resType string
		want    bool
	}{
		{"Image", true},
		{"Font", true},
		{"Stylesheet", false},
		{"Media", false},
		{"XHR", true},
		{"Document", false},
	}
	for _, c := range cases {
		if got := shouldBlock(set, c.resType); got != c.want {
			t.Errorf("shouldBlock(%q): got %v, want %v", c.resType, got, c.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.defaults()
	if c.NavigateTimeout != 30*time.Second {
		t.Fatalf("NavigateTimeout: got %v", c.NavigateTimeout)
	}
	if c.Logger == nil {
		t.Fatal("Logger should default")
	}
}

func TestClassify(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	err := classify(ctx, "https://x", fetch.KindNotFound, errors.New("wait visible"))
	var fe *fetch.Error
	if !errors.As(err, &fe) || fe.Kind != fetch.KindTimeout {
		t.Fatalf("expired ctx should classify as timeout, got %v", err)
	}

	err = classify(context.Background(), "https://x", fetch.KindNotFound, errors.New("no element"))
	if !errors.As(err, &fe) || fe.Kind != fetch.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestManager_OpenWithoutStart(t *testing.T) {
	m := NewManager(Config{})
	_, _, err := m.open(context.Background(), "https://x")
	if err == nil {
		t.Fatal("open without browser should fail")
	}
}

func TestManager_StartAfterClose(t *testing.T) {
	m := NewManager(Config{})
	m.Close()
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start after Close should fail")
	}
}

type stubSession struct{}

func (stubSession) WaitFor(context.Context, fetch.Locator, time.Duration) (fetch.Content, error) {
	return nil, errors.New("not implemented")
}
func (stubSession) Refresh(context.Context) error { return nil }
func (stubSession) Close() error { return nil }

// stubBrowsers replaces Chrome with distinct unconnected rod.Browser
// values. Sessions on a browser in dead fail with a connection error.
type stubBrowsers struct {
	mu       sync.Mutex
	launched []*rod.Browser
	released []*rod.Browser
	dead     map[*rod.Browser]bool
}

func installStubs(m *Manager) *stubBrowsers {
	sb := &stubBrowsers{dead: map[*rod.Browser]bool{}}
	m.launch = func(context.Context) (*rod.Browser, error) {
		sb.mu.Lock()
		defer sb.mu.Unlock()
		b := rod.New()
		sb.launched = append(sb.launched, b)
		return b, nil
	}
	m.release = func(b *rod.Browser) {
		sb.mu.Lock()
		defer sb.mu.Unlock()
		sb.released = append(sb.released, b)
	}
	m.openOn = func(_ context.Context, b *rod.Browser, _ string) (fetch.Session, error) {
		sb.mu.Lock()
		defer sb.mu.Unlock()
		if sb.dead[b] {
			return nil, errors.New("websocket: close 1006")
		}
		return stubSession{}, nil
	}
	return sb
}

func (sb *stubBrowsers) kill(b *rod.Browser) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.dead[b] = true
}

func TestManager_RelaunchKeepsReplacement(t *testing.T) {
	m := NewManager(Config{})
	sb := installStubs(m)
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	first := sb.launched[0]

	if err := m.relaunch(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := m.browser
	if second == first {
		t.Fatal("relaunch should replace the failed browser")
	}

	// A second caller that failed on the same dead browser must not tear
	// down the replacement.
	if err := m.relaunch(ctx, first); err != nil {
		t.Fatal(err)
	}
	if m.browser != second {
		t.Fatal("replacement browser was torn down")
	}
	if len(sb.launched) != 2 || len(sb.released) != 1 || sb.released[0] != first {
		t.Fatalf("launched %d, released %v", len(sb.launched), sb.released)
	}
}

func TestManager_ConcurrentOpensShareRelaunch(t *testing.T) {
	m := NewManager(Config{})
	sb := installStubs(m)
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	sb.kill(sb.launched[0])

	var wg sync.WaitGroup
	errs := make(chan error, 11)
	for i := 0; i < 11; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Open(ctx, "https://shop.test/item")
			if err == nil {
				s.Close()
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("open: %v", err)
		}
	}

	if len(sb.launched) != 2 {
		t.Fatalf("expected one relaunch, got %d launches", len(sb.launched))
	}
	if len(sb.released) != 1 || sb.released[0] != sb.launched[0] {
		t.Fatalf("only the dead browser should be released, got %v", sb.released)
	}
}

func TestManager_OpenRelaunchesWhenNeverStarted(t *testing.T) {
	m := NewManager(Config{})
	sb := installStubs(m)
	if _, err := m.Open(context.Background(), "https://shop.test/item"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(sb.launched) != 1 || len(sb.released) != 0 {
		t.Fatalf("launched %d, released %d", len(sb.launched), len(sb.released))
	}
}
