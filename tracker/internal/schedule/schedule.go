// Package schedule builds watches from the subscription database and runs
// them side by side.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/hazyhaar/stockwatch/idgen"
	"github.com/hazyhaar/stockwatch/observability"
	"github.com/hazyhaar/stockwatch/tracker/internal/config"
	"github.com/hazyhaar/stockwatch/tracker/internal/debounce"
	"github.com/hazyhaar/stockwatch/tracker/internal/fetch"
	"github.com/hazyhaar/stockwatch/tracker/internal/watch"
)

// Deps are the collaborators shared by every watch.
type Deps struct {
	Settings *config.Settings
	// Openers maps a fetch mode (config.FetchBrowser, config.FetchHTTP)
	// to its fetcher.
	Openers  map[string]fetch.Opener
	Notifier watch.Notifier
	Logger   *slog.Logger
	// NewID mints scraper ids. Default: idgen.WatchID.
	NewID idgen.Generator
}

// Scraper batches the subscribed items of one site family. Each item has
// its own Watch.
type Scraper struct {
	ID      string
	Key     string // family key as written in the subscription database
	Site    config.SiteFamily
	Items   []config.Item
	Watches []*watch.Watch
}

// Build creates one Scraper per family with at least one subscribed item.
// Configuration problems skip the family or item concerned and are
// returned; they never abort the build.
func Build(db *config.DB, sites config.Sites, deps Deps) ([]*Scraper, []error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.NewID == nil {
		deps.NewID = idgen.WatchID
	}
	if deps.Settings == nil {
		deps.Settings = &config.Settings{Timing: config.DefaultTiming}
	}

	var scrapers []*Scraper
	var errs []error
	for _, key := range db.Families() {
		items := db.Subscribed(key)
		if len(items) == 0 {
			continue
		}
		site, ok := sites.Find(key)
		if !ok {
			errs = append(errs, &config.Error{Kind: config.KindUnknownSite, Site: key})
			continue
		}
		opener := deps.Openers[site.FetchMode()]
		if opener == nil {
			errs = append(errs, &config.Error{Kind: config.KindInvalidSite, Site: key,
				Cause: fmt.Errorf("no fetcher for mode %q", site.FetchMode())})
			continue
		}

		sc := &Scraper{ID: deps.NewID(), Key: key, Site: site}
		timing := deps.Settings.TimingFor(site)
		for _, it := range items {
			if err := config.ValidateItem(site, key, db, it); err != nil {
				errs = append(errs, err)
				continue
			}
			sc.Items = append(sc.Items, it)
			sc.Watches = append(sc.Watches, watch.New(watch.Config{
				ID:           sc.ID,
				Item:         it.Name,
				Locator:      site.Loc(),
				Attribute:    site.Attribute,
				Fold:         site.CaseInsensitive,
				Settle:       timing.SiteLoad,
				Interval:     timing.Poll,
				MaxWait:      timing.MaxWait,
				RefreshEvery: timing.MaxRefreshes,
				Confirms:     timing.Confirms,
				Announce:     deps.Settings.Announce,
				Opener:       opener,
				Resolve:      Resolver(db, site, key),
				Notifier:     deps.Notifier,
				Logger:       deps.Logger.With("site", site.ID),
			}))
		}
		if len(sc.Watches) == 0 {
			continue
		}
		deps.Logger.Info("schedule: scraper built", "site", site.ID, "scraper_id", sc.ID, "items", len(sc.Watches))
		scrapers = append(scrapers, sc)
	}
	return scrapers, errs
}

// Resolver returns the item lookup a watch runs every iteration.
func Resolver(db *config.DB, site config.SiteFamily, key string) watch.Resolver {
	return func(name string) (watch.Target, error) {
		it, err := db.Lookup(key, name)
		if err != nil {
			return watch.Target{}, err
		}
		ex, err := debounce.CompileExclusions(it.Exclude, site.CaseInsensitive)
		if err != nil {
			return watch.Target{}, &config.Error{Kind: config.KindInvalidPattern, Site: key, Item: name, Cause: err}
		}
		email, sms, err := db.Destinations(key, it)
		if err != nil {
			return watch.Target{}, err
		}
		return watch.Target{URL: site.ResolveURL(it.Path), Exclusions: ex, Email: email, SMS: sms}, nil
	}
}

// Count returns the number of watches across scrapers.
func Count(scrapers []*Scraper) int {
	n := 0
	for _, sc := range scrapers {
		n += len(sc.Watches)
	}
	return n
}

// RunAll runs every watch in its own goroutine and waits for all of them.
// A panicking watch is logged at critical level and does not disturb the
// others.
func RunAll(ctx context.Context, scrapers []*Scraper, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	var wg sync.WaitGroup
	for _, sc := range scrapers {
		for _, w := range sc.Watches {
			wg.Add(1)
			go func(sc *Scraper, w *watch.Watch) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						logger.Log(ctx, observability.LevelCritical, "schedule: watch panicked",
							"site", sc.Site.ID, "scraper_id", sc.ID, "item", w.Item(),
							"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
					}
				}()
				if err := w.Run(ctx); err != nil {
					logger.Error("schedule: watch ended", "item", w.Item(), "error", err)
				}
			}(sc, w)
		}
	}
	wg.Wait()
}
