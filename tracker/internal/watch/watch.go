// Package watch runs the poll-detect-notify loop of one item.
//
// A Watch moves Connecting -> Polling -> (Polling | Reconnecting) until its
// context is cancelled. Only an item that can no longer be resolved ends
// the loop early. Every other failure is logged, turned into a fresh
// session and retried after the poll interval.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/stockwatch/channels"
	"github.com/hazyhaar/stockwatch/tracker/internal/config"
	"github.com/hazyhaar/stockwatch/tracker/internal/conn"
	"github.com/hazyhaar/stockwatch/tracker/internal/debounce"
	"github.com/hazyhaar/stockwatch/tracker/internal/fetch"
)

// Phase is the state machine position.
type Phase int32

const (
	Idle Phase = iota
	Connecting
	Polling
	Reconnecting
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "connecting"
	case Polling:
		return "polling"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	}
	return "idle"
}

// Target is what an item resolves to at the start of an iteration.
type Target struct {
	URL        string
	Exclusions *debounce.Exclusions
	Email      []string
	SMS        []string
}

// Resolver looks the item up. A *config.Error ends the watch.
type Resolver func(item string) (Target, error)

// Notifier delivers a notification. *channels.Dispatcher implements it.
type Notifier interface {
	Notify(ctx context.Context, n channels.Notification) error
}

// Config configures a Watch.
type Config struct {
	// ID identifies the scraper owning this watch in run ids.
	ID   string
	Item string

	Locator   fetch.Locator
	Attribute string
	// Fold uppercases readings before comparison.
	Fold bool

	Settle       time.Duration
	Interval     time.Duration
	MaxWait      time.Duration
	RefreshEvery int
	Confirms     int
	// Announce sends the baseline reading as a "first run" notification.
	Announce bool

	Opener   fetch.Opener
	Resolve  Resolver
	Notifier Notifier
	Logger   *slog.Logger

	// OnPoll, if set, is called on the watch goroutine after every poll
	// attempt with the state after it and the attempt's error.
	OnPoll func(state debounce.State, err error)
}

// Stats are point-in-time counters.
type Stats struct {
	Phase         string `json:"phase"`
	Polls         int64  `json:"polls"`
	Errors        int64  `json:"errors"`
	Excluded      int64  `json:"excluded"`
	Transitions   int64  `json:"transitions"`
	Notifications int64  `json:"notifications"`
	Reconnects    int64  `json:"reconnects"`
}

// Watch is one item's loop. Run it once.
type Watch struct {
	cfg   Config
	log   *slog.Logger
	state debounce.State

	phase         atomic.Int32
	polls         atomic.Int64
	errors        atomic.Int64
	excluded      atomic.Int64
	transitions   atomic.Int64
	notifications atomic.Int64
	reconnects    atomic.Int64
}

// New creates a Watch.
func New(cfg Config) *Watch {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RefreshEvery == 0 {
		cfg.RefreshEvery = conn.DefaultRefreshEvery
	}
	return &Watch{
		cfg:   cfg,
		log:   cfg.Logger.With("item", cfg.Item, "watch_id", cfg.ID),
		state: debounce.NewState(cfg.Confirms),
	}
}

// Item returns the watched item name.
func (w *Watch) Item() string { return w.cfg.Item }

// Stats returns the current counters. Safe from any goroutine.
func (w *Watch) Stats() Stats {
	return Stats{
		Phase:         Phase(w.phase.Load()).String(),
		Polls:         w.polls.Load(),
		Errors:        w.errors.Load(),
		Excluded:      w.excluded.Load(),
		Transitions:   w.transitions.Load(),
		Notifications: w.notifications.Load(),
		Reconnects:    w.reconnects.Load(),
	}
}

// RunID formats the run identifier of log lines and audit rows.
func RunID(watchID, item, url string) string {
	return watchID + "::" + item + "::" + url
}

// Subject formats the notification subject.
func Subject(item, reading string, baseline bool) string {
	if baseline {
		return fmt.Sprintf("Scraper (%s) first run: %s", item, reading)
	}
	return fmt.Sprintf("Scraper (%s) change detected: %s", item, reading)
}

// Run blocks until ctx is cancelled or the item cannot be resolved. It
// returns nil in both cases.
func (w *Watch) Run(ctx context.Context) error {
	defer w.setPhase(Stopped)

	w.setPhase(Connecting)
	mgr, target, ok := w.connect(ctx)
	if !ok {
		return nil
	}
	defer mgr.Release()
	runID := RunID(w.cfg.ID, w.cfg.Item, target.URL)
	w.log.InfoContext(ctx, "watch: connected", "run_id", runID)

	for {
		w.setPhase(Polling)
		err := w.poll(ctx, mgr)
		if ctx.Err() != nil {
			return nil
		}
		if isConfigError(err) {
			w.log.ErrorContext(ctx, "watch: item no longer resolvable", "run_id", runID, "error", err)
			return nil
		}
		if err == nil {
			if !sleep(ctx, w.cfg.Interval) {
				return nil
			}
			continue
		}

		w.errors.Add(1)
		w.log.ErrorContext(ctx, "watch: poll failed", "run_id", runID, "class", classify(err), "error", err)
		w.setPhase(Reconnecting)
		if !w.reconnect(ctx, mgr, runID) {
			return nil
		}
	}
}

// connect resolves the item and acquires the first session, retrying
// every interval.
func (w *Watch) connect(ctx context.Context) (*conn.Manager, Target, bool) {
	for {
		target, err := w.cfg.Resolve(w.cfg.Item)
		if err != nil {
			if isConfigError(err) {
				w.log.ErrorContext(ctx, "watch: item not resolvable", "error", err)
				return nil, Target{}, false
			}
			w.log.ErrorContext(ctx, "watch: resolve", "error", err)
		} else {
			mgr := conn.New(w.cfg.Opener, target.URL,
				conn.WithRefreshEvery(w.cfg.RefreshEvery), conn.WithLogger(w.log))
			err = mgr.Acquire(ctx)
			if err == nil {
				return mgr, target, true
			}
			w.errors.Add(1)
			w.log.ErrorContext(ctx, "watch: connect failed",
				"run_id", RunID(w.cfg.ID, w.cfg.Item, target.URL), "class", classify(err), "error", err)
		}
		if !sleep(ctx, w.cfg.Interval) {
			return nil, Target{}, false
		}
	}
}

// reconnect re-acquires until it succeeds, waiting one interval after
// every attempt. It returns false when ctx is done.
func (w *Watch) reconnect(ctx context.Context, mgr *conn.Manager, runID string) bool {
	for {
		err := mgr.Acquire(ctx)
		w.reconnects.Add(1)
		if !sleep(ctx, w.cfg.Interval) {
			return false
		}
		if err == nil {
			return true
		}
		w.errors.Add(1)
		w.log.ErrorContext(ctx, "watch: reconnect failed", "run_id", runID, "class", classify(err), "error", err)
	}
}

// poll runs one Polling iteration.
func (w *Watch) poll(ctx context.Context, mgr *conn.Manager) (err error) {
	target, err := w.cfg.Resolve(w.cfg.Item)
	if err != nil {
		return err
	}
	w.state.PollCount++
	w.polls.Add(1)
	if w.cfg.OnPoll != nil {
		defer func() { w.cfg.OnPoll(w.state, err) }()
	}
	runID := RunID(w.cfg.ID, w.cfg.Item, target.URL)

	if !sleep(ctx, w.cfg.Settle) {
		return ctx.Err()
	}
	sess := mgr.Session()
	if sess == nil {
		return errors.New("watch: no session")
	}
	content, err := sess.WaitFor(ctx, w.cfg.Locator, w.cfg.MaxWait)
	if err != nil {
		return err
	}
	raw, err := fetch.Read(content, w.cfg.Attribute)
	if err != nil {
		return err
	}
	reading := debounce.Normalize(raw, w.cfg.Fold)

	if target.Exclusions.Match(reading) {
		w.excluded.Add(1)
		w.log.DebugContext(ctx, "watch: reading excluded", "run_id", runID, "poll", w.state.PollCount, "reading", reading)
	} else {
		w.log.InfoContext(ctx, "watch: reading", "run_id", runID, "poll", w.state.PollCount, "reading", reading)
		if err := w.observe(ctx, target, runID, reading); err != nil {
			return err
		}
	}

	did, err := mgr.RefreshIfDue(ctx, w.state.PollCount)
	if did {
		w.reconnects.Add(1)
	}
	if err != nil {
		return err
	}
	if !did {
		return sess.Refresh(ctx)
	}
	return nil
}

// observe feeds the debouncer and dispatches a confirmed transition. The
// new state is committed only once the notification went out, so a
// failed dispatch is proposed again on the next poll.
func (w *Watch) observe(ctx context.Context, target Target, runID, reading string) error {
	next, tr := debounce.Observe(w.state, reading)
	w.state = next
	if tr == nil {
		return nil
	}

	if tr.Baseline && !w.cfg.Announce {
		w.state = debounce.Commit(w.state, tr)
		w.log.InfoContext(ctx, "watch: baseline", "run_id", runID, "reading", tr.To)
		return nil
	}

	n := channels.Notification{
		Subject: Subject(w.cfg.Item, tr.To, tr.Baseline),
		Body:    target.URL,
		Email:   target.Email,
		SMS:     target.SMS,
		RunID:   runID,
	}
	if err := w.cfg.Notifier.Notify(ctx, n); err != nil {
		return err
	}
	w.state = debounce.Commit(w.state, tr)
	w.transitions.Add(1)
	w.notifications.Add(1)
	w.log.InfoContext(ctx, "watch: transition", "run_id", runID, "from", tr.From, "to", tr.To, "baseline", tr.Baseline)
	return nil
}

func (w *Watch) setPhase(p Phase) { w.phase.Store(int32(p)) }

func isConfigError(err error) bool {
	var ce *config.Error
	return errors.As(err, &ce)
}

// classify names the error family for log lines.
func classify(err error) string {
	var fe *fetch.Error
	var de *channels.DispatchError
	switch {
	case errors.As(err, &fe):
		return "fetch_" + string(fe.Kind)
	case errors.As(err, &de):
		return "dispatch"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "other"
}

// sleep waits d or until ctx is done. It reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
