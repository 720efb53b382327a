package watch

import (
	"context"
	"time"

	"github.com/hazyhaar/stockwatch/tracker/internal/debounce"
	"github.com/hazyhaar/stockwatch/tracker/internal/fetch"
)

// Probe is the outcome of a one-shot read.
type Probe struct {
	URL      string
	Raw      string
	Reading  string
	Excluded bool
	Took     time.Duration
}

// ReadOnce opens url, waits settle, reads the locator and normalizes the
// result without touching any watch state.
func ReadOnce(ctx context.Context, opener fetch.Opener, url string, loc fetch.Locator, attr string, fold bool, settle, maxWait time.Duration, ex *debounce.Exclusions) (Probe, error) {
	start := time.Now()
	p := Probe{URL: url}

	sess, err := opener.Open(ctx, url)
	if err != nil {
		return p, err
	}
	defer sess.Close()

	if !sleep(ctx, settle) {
		return p, ctx.Err()
	}
	content, err := sess.WaitFor(ctx, loc, maxWait)
	if err != nil {
		return p, err
	}
	p.Raw, err = fetch.Read(content, attr)
	if err != nil {
		return p, err
	}
	p.Reading = debounce.Normalize(p.Raw, fold)
	p.Excluded = ex.Match(p.Reading)
	p.Took = time.Since(start)
	return p, nil
}
