// Package tracker is the stock availability watch-and-alert engine.
//
// An Engine loads the subscription database, builds one watch per
// subscribed item and runs them until its context is cancelled:
//
//	s, _ := tracker.LoadSettings("stockwatch.yaml")
//	db, _ := tracker.LoadDB(ctx, s)
//	e, _ := tracker.New(ctx, s, tracker.WithLogger(logger))
//	defer e.Close()
//	err := e.Run(ctx, db)
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hazyhaar/stockwatch/channels"
	"github.com/hazyhaar/stockwatch/dbopen"
	"github.com/hazyhaar/stockwatch/observability"
	"github.com/hazyhaar/stockwatch/tracker/internal/browser"
	"github.com/hazyhaar/stockwatch/tracker/internal/config"
	"github.com/hazyhaar/stockwatch/tracker/internal/debounce"
	"github.com/hazyhaar/stockwatch/tracker/internal/fetch"
	"github.com/hazyhaar/stockwatch/tracker/internal/schedule"
	"github.com/hazyhaar/stockwatch/tracker/internal/static"
	"github.com/hazyhaar/stockwatch/tracker/internal/watch"
)

// Re-exported configuration types.
type (
	Settings    = config.Settings
	DB          = config.DB
	Item        = config.Item
	Subscriber  = config.Subscriber
	SiteFamily  = config.SiteFamily
	Sites       = config.Sites
	ConfigError = config.Error
	Stats       = watch.Stats
	Probe       = watch.Probe
	Opener      = fetch.Opener
)

// Fetch modes.
const (
	FetchBrowser = config.FetchBrowser
	FetchHTTP    = config.FetchHTTP
)

// LoadSettings reads the settings file and environment.
func LoadSettings(path string) (*Settings, error) { return config.Load(path) }

// LoadDB reads the subscription database named by s: SQLite when
// data.sqlite is set, else the items and subscribers files.
func LoadDB(ctx context.Context, s *Settings) (*DB, error) {
	if s.Data.SQLite == "" {
		return config.LoadFiles(s.Data.Items, s.Data.Subscribers)
	}
	db, err := dbopen.Open(s.Data.SQLite, dbopen.WithSchema(config.Schema))
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return config.LoadSQLite(ctx, db)
}

// LoadFiles reads an items file and a subscribers file, YAML or JSON.
func LoadFiles(items, subscribers string) (*DB, error) {
	return config.LoadFiles(items, subscribers)
}

// ImportDB replaces the contents of the SQLite database named by
// data.sqlite with src.
func ImportDB(ctx context.Context, s *Settings, src *DB) error {
	if s.Data.SQLite == "" {
		return errors.New("tracker: data.sqlite not set")
	}
	db, err := dbopen.Open(s.Data.SQLite, dbopen.WithMkdirAll(), dbopen.WithSchema(config.Schema))
	if err != nil {
		return err
	}
	defer db.Close()
	return config.Import(ctx, db, src)
}

// Validate checks the families and db together.
func Validate(s *Settings, db *DB) []error {
	return config.Validate(s.SiteFamilies(), db)
}

// Summary describes db for operators.
func Summary(db *DB) string { return config.Summarize(db).String() }

// Engine wires fetchers, channels and the audit trail around the watches.
type Engine struct {
	settings *Settings
	sites    Sites
	logger   *slog.Logger

	openers    map[string]fetch.Opener
	browser    *browser.Manager
	dispatcher *channels.Dispatcher
	audit      *observability.AuditLogger
	closers    []io.Closer

	mu       sync.Mutex
	scrapers []*schedule.Scraper
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger  *slog.Logger
	openers map[string]fetch.Opener
	email   channels.Channel
	sms     channels.Channel
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithOpener replaces the fetcher of a fetch mode.
func WithOpener(mode string, op Opener) Option {
	return func(o *engineOptions) { o.openers[mode] = op }
}

// WithChannels replaces the email and SMS channels. Either may be nil.
func WithChannels(email, sms channels.Channel) Option {
	return func(o *engineOptions) { o.email, o.sms = email, sms }
}

// New builds an Engine. Chrome is not launched until Run needs it.
func New(ctx context.Context, s *Settings, opts ...Option) (*Engine, error) {
	o := engineOptions{logger: slog.Default(), openers: map[string]fetch.Opener{}}
	for _, fn := range opts {
		fn(&o)
	}

	e := &Engine{settings: s, sites: s.SiteFamilies(), logger: o.logger, openers: o.openers}

	if _, ok := e.openers[FetchHTTP]; !ok {
		e.openers[FetchHTTP] = static.New(
			static.WithClient(&http.Client{Timeout: s.HTTP.Timeout}),
			static.WithUserAgent(userAgent(s)),
			static.WithLogger(o.logger),
		)
	}
	if _, ok := e.openers[FetchBrowser]; !ok {
		e.browser = browser.NewManager(browser.Config{
			RemoteURL:        s.Browser.Remote,
			Bin:              s.Browser.Bin,
			Headful:          s.Browser.Headful,
			Stealth:          s.Browser.Stealth,
			ResourceBlocking: s.Browser.BlockResources,
			NavigateTimeout:  s.Browser.NavigateTimeout,
			Logger:           o.logger,
		})
		e.openers[FetchBrowser] = e.browser
	}

	if s.Audit.DB != "" {
		db, err := dbopen.Open(s.Audit.DB, dbopen.WithMkdirAll(), dbopen.WithSchema(observability.Schema))
		if err != nil {
			return nil, fmt.Errorf("tracker: audit db: %w", err)
		}
		e.closers = append(e.closers, db)
		e.audit = observability.NewAuditLogger(db, 1000, observability.WithAuditLogger(o.logger))
		if s.Audit.RetentionDays > 0 {
			if n, err := e.audit.Cleanup(ctx, s.Audit.RetentionDays); err != nil {
				o.logger.Warn("tracker: audit cleanup", "error", err)
			} else if n > 0 {
				o.logger.Info("tracker: audit cleanup", "deleted", n)
			}
		}
	}

	email, sms, err := e.buildChannels(o)
	if err != nil {
		e.Close()
		return nil, err
	}
	dopts := []channels.DispatcherOption{
		channels.WithMaxRetries(s.Email.MaxRetries),
		channels.WithBackoff(s.Email.Backoff),
		channels.WithLogger(o.logger),
	}
	if e.audit != nil {
		dopts = append(dopts, channels.WithAuditor(channels.AuditTo(e.audit)))
	}
	e.dispatcher = channels.NewDispatcher(email, sms, dopts...)
	return e, nil
}

func userAgent(s *Settings) string {
	if s.HTTP.UserAgent != "" {
		return s.HTTP.UserAgent
	}
	return static.DefaultUserAgent
}

func (e *Engine) buildChannels(o engineOptions) (email, sms channels.Channel, err error) {
	s := e.settings
	if o.email != nil || o.sms != nil {
		return o.email, o.sms, nil
	}
	if s.DryRun {
		log := &channels.LogChannel{Name: "log", Logger: e.logger}
		return log, log, nil
	}

	if s.Email.Server != "" {
		ch, err := channels.NewSMTPChannel(channels.SMTPConfig{
			Host:       s.Email.Server,
			Port:       s.Email.Port,
			Username:   s.Email.Sender,
			Password:   s.Email.Password,
			RequireTLS: s.Email.RequireTLS,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("tracker: email channel: %w", err)
		}
		email = ch
	} else {
		e.logger.Warn("tracker: email.server not set, email destinations will fail")
	}

	if s.SMS.AccountID != "" {
		ch, err := channels.NewTwilioChannel(channels.TwilioConfig{
			AccountSID: s.SMS.AccountID,
			AuthToken:  s.SMS.AuthToken,
			From:       s.SMS.Sender,
			BaseURL:    s.SMS.BaseURL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("tracker: sms channel: %w", err)
		}
		sms = ch
	}
	return email, sms, nil
}

// Build creates the watches for db without starting them. Config
// problems are logged and returned; the affected items are skipped.
func (e *Engine) Build(db *DB) []error {
	scrapers, errs := schedule.Build(db, e.sites, schedule.Deps{
		Settings: e.settings,
		Openers:  e.openers,
		Notifier: e.dispatcher,
		Logger:   e.logger,
	})
	for _, err := range errs {
		e.logger.Error("tracker: skipped", "error", err)
	}
	e.mu.Lock()
	e.scrapers = scrapers
	e.mu.Unlock()
	return errs
}

// Run builds the watches when Build was not called, starts Chrome if any
// family needs it and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, db *DB) error {
	e.mu.Lock()
	built := e.scrapers != nil
	e.mu.Unlock()
	if !built {
		e.Build(db)
	}

	e.mu.Lock()
	scrapers := e.scrapers
	e.mu.Unlock()

	if schedule.Count(scrapers) == 0 {
		return errors.New("tracker: nothing to watch")
	}
	if e.browser != nil && needsBrowser(scrapers) {
		if err := e.browser.Start(ctx); err != nil {
			return fmt.Errorf("tracker: %w", err)
		}
	}

	e.logger.Info("tracker: running", "scrapers", len(scrapers), "watches", schedule.Count(scrapers))
	if iv := e.settings.Log.StatsInterval; iv > 0 {
		go e.reportStats(ctx, iv)
	}
	schedule.RunAll(ctx, scrapers, e.logger)
	e.logger.Info("tracker: stopped")
	return nil
}

func needsBrowser(scrapers []*schedule.Scraper) bool {
	for _, sc := range scrapers {
		if sc.Site.FetchMode() == FetchBrowser {
			return true
		}
	}
	return false
}

func (e *Engine) reportStats(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			total := sumStats(e.Stats())
			e.logger.Info("tracker: stats",
				"polls", total.Polls, "errors", total.Errors, "excluded", total.Excluded, "transitions", total.Transitions,
				"notifications", total.Notifications, "reconnects", total.Reconnects)
		}
	}
}

// sumStats adds up the counters of every watch. Phase is left empty.
func sumStats(all map[string]Stats) Stats {
	var total Stats
	for _, st := range all {
		total.Polls += st.Polls
		total.Errors += st.Errors
		total.Excluded += st.Excluded
		total.Transitions += st.Transitions
		total.Notifications += st.Notifications
		total.Reconnects += st.Reconnects
	}
	return total
}

// Stats returns the counters of every watch keyed by "site/item".
func (e *Engine) Stats() map[string]Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := map[string]Stats{}
	for _, sc := range e.scrapers {
		for _, w := range sc.Watches {
			out[sc.Site.ID+"/"+w.Item()] = w.Stats()
		}
	}
	return out
}

// Check reads one item once and returns what a watch would observe.
func (e *Engine) Check(ctx context.Context, db *DB, family, item string) (Probe, error) {
	site, ok := e.sites.Find(family)
	if !ok {
		return Probe{}, &ConfigError{Kind: config.KindUnknownSite, Site: family}
	}
	key := family
	if _, ok := db.Items[key]; !ok {
		for _, k := range db.Families() {
			if s, ok := e.sites.Find(k); ok && s.ID == site.ID {
				key = k
				break
			}
		}
	}
	it, err := db.Lookup(key, item)
	if err != nil {
		return Probe{}, err
	}
	ex, err := debounce.CompileExclusions(it.Exclude, site.CaseInsensitive)
	if err != nil {
		return Probe{}, &ConfigError{Kind: config.KindInvalidPattern, Site: key, Item: item, Cause: err}
	}

	op := e.openers[site.FetchMode()]
	if site.FetchMode() == FetchBrowser && e.browser != nil {
		if err := e.browser.Start(ctx); err != nil {
			return Probe{}, fmt.Errorf("tracker: %w", err)
		}
	}
	tm := e.settings.TimingFor(site)
	return watch.ReadOnce(ctx, op, site.ResolveURL(it.Path), site.Loc(), site.Attribute,
		site.CaseInsensitive, tm.SiteLoad, tm.MaxWait, ex)
}

// Close stops Chrome and flushes the audit trail.
func (e *Engine) Close() error {
	var errs []error
	if e.browser != nil {
		errs = append(errs, e.browser.Close())
	}
	if e.audit != nil {
		errs = append(errs, e.audit.Close())
	}
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
