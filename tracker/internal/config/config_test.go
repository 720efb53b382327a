package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/stockwatch/dbopen"
	"github.com/hazyhaar/stockwatch/tracker/internal/fetch"

	_ "modernc.org/sqlite"
)

const itemsJSON = `{
  "https://www.amazon.co.jp": [
    {"name": "gradient-cups", "path": "-/en/dp/B07CVC7Z5C", "exclude": ["Temporarily out of stock"], "subscribers": ["jenny"]},
    {"name": "lonely-mug", "path": "dp/B000", "exclude": [], "subscribers": []}
  ],
  "claires": [
    {"name": "octopus", "path": "us/octopus.html", "subscribers": ["jenny", "sam"]}
  ]
}`

const subscribersYAML = `
jenny:
  email: [jenny@example.com]
  sms: ["+15550001"]
sam:
  email: [sam@example.com, jenny@example.com]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func loadFixture(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := LoadFiles(writeFile(t, dir, "items.json", itemsJSON), writeFile(t, dir, "subscribers.yaml", subscribersYAML))
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func TestLoadFiles_JSONAndYAML(t *testing.T) {
	db := loadFixture(t)
	if got := len(db.Items["https://www.amazon.co.jp"]); got != 2 {
		t.Fatalf("amazon items: %d", got)
	}
	if got := db.Subscribers["jenny"].SMS; len(got) != 1 || got[0] != "+15550001" {
		t.Fatalf("jenny sms: %v", got)
	}
}

func TestSubscribed_SkipsUnsubscribed(t *testing.T) {
	db := loadFixture(t)
	items := db.Subscribed("https://www.amazon.co.jp")
	if len(items) != 1 || items[0].Name != "gradient-cups" {
		t.Fatalf("subscribed: %+v", items)
	}
}

func TestDestinations_Dedup(t *testing.T) {
	db := loadFixture(t)
	it, err := db.Lookup("claires", "octopus")
	if err != nil {
		t.Fatal(err)
	}
	email, sms, err := db.Destinations("claires", it)
	if err != nil {
		t.Fatal(err)
	}
	if len(email) != 2 || email[0] != "jenny@example.com" || email[1] != "sam@example.com" {
		t.Fatalf("email: %v", email)
	}
	if len(sms) != 1 {
		t.Fatalf("sms: %v", sms)
	}
}

func TestLookupAndDestinations_Errors(t *testing.T) {
	db := loadFixture(t)
	_, err := db.Lookup("claires", "gone")
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != KindUnknownItem {
		t.Fatalf("expected unknown_item, got %v", err)
	}
	_, _, err = db.Destinations("claires", Item{Name: "x", Subscribers: []string{"nobody"}})
	if !errors.As(err, &ce) || ce.Kind != KindUnknownSubscriber || ce.Ref != "nobody" {
		t.Fatalf("expected unknown_subscriber, got %v", err)
	}
}

func TestSites_FindByIDOrBaseURL(t *testing.T) {
	sites := Builtin()
	if s, ok := sites.Find("https://www.amazon.co.jp/"); !ok || s.ID != "amazon_jp" {
		t.Fatalf("by url: %+v %v", s, ok)
	}
	if s, ok := sites.Find("costco"); !ok || s.Attribute != "value" {
		t.Fatalf("by id: %+v %v", s, ok)
	}
	if _, ok := sites.Find("ebay"); ok {
		t.Fatal("ebay is not built in")
	}
}

func TestSites_With(t *testing.T) {
	sites := Builtin().With([]SiteFamily{
		{ID: "costco", BaseURL: "https://www.costco.ca", Locator: "//x"},
		{ID: "local", BaseURL: "http://shop.test", Locator: "p.stock", LocatorKind: fetch.CSS, Fetch: FetchHTTP},
	})
	if s, _ := sites.Find("costco"); s.BaseURL != "https://www.costco.ca" {
		t.Fatalf("override: %+v", s)
	}
	if _, ok := sites.Find("local"); !ok {
		t.Fatal("added family missing")
	}
	if len(sites) != len(Builtin())+1 {
		t.Fatalf("len: %d", len(sites))
	}
}

func TestResolveURL(t *testing.T) {
	s := SiteFamily{BaseURL: "https://www.amazon.co.jp/"}
	if got := s.ResolveURL("/-/en/dp/B07?x=1"); got != "https://www.amazon.co.jp/-/en/dp/B07?x=1" {
		t.Fatal(got)
	}
	if got := s.ResolveURL("https://elsewhere/p"); got != "https://elsewhere/p" {
		t.Fatal(got)
	}
}

func TestValidate(t *testing.T) {
	db := loadFixture(t)
	db.Items["ebay"] = []Item{{Name: "x", Path: "p", Subscribers: []string{"jenny"}}}
	db.Items["claires"] = append(db.Items["claires"],
		Item{Name: "bad-regex", Path: "p", Exclude: []string{"("}, Subscribers: []string{"jenny"}},
		Item{Name: "orphan", Path: "p", Subscribers: []string{"ghost"}},
	)
	sites := Builtin().With([]SiteFamily{{ID: "broken", BaseURL: "not a url", Locator: "//x"}})

	kinds := map[ErrorKind]int{}
	for _, err := range Validate(sites, db) {
		var ce *Error
		if !errors.As(err, &ce) {
			t.Fatalf("non-config error: %v", err)
		}
		kinds[ce.Kind]++
	}
	for _, k := range []ErrorKind{KindUnknownSite, KindInvalidPattern, KindUnknownSubscriber, KindInvalidSite} {
		if kinds[k] != 1 {
			t.Errorf("%s: got %d, want 1 (all: %v)", k, kinds[k], kinds)
		}
	}
}

func TestValidate_HTTPNeedsCSS(t *testing.T) {
	s := SiteFamily{ID: "x", BaseURL: "https://x", Locator: "//p", Fetch: FetchHTTP}
	if err := s.validate(); err == nil {
		t.Fatal("http fetch with xpath should be invalid")
	}
}

func TestSQLite_RoundTrip(t *testing.T) {
	src := loadFixture(t)
	sqlDB := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	ctx := context.Background()
	if err := Import(ctx, sqlDB, src); err != nil {
		t.Fatal(err)
	}
	got, err := LoadSQLite(ctx, sqlDB)
	if err != nil {
		t.Fatal(err)
	}
	cups, err := got.Lookup("https://www.amazon.co.jp", "gradient-cups")
	if err != nil {
		t.Fatal(err)
	}
	if len(cups.Exclude) != 1 || cups.Exclude[0] != "Temporarily out of stock" {
		t.Fatalf("exclude: %v", cups.Exclude)
	}
	if len(got.Subscribed("https://www.amazon.co.jp")) != 1 {
		t.Fatal("unsubscribed item should stay unsubscribed")
	}
	if got.Subscribers["sam"].Email[1] != "jenny@example.com" {
		t.Fatalf("sam: %+v", got.Subscribers["sam"])
	}
	if _, ok := got.Subscribers["sam"]; !ok {
		t.Fatal("sam missing")
	}
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "stockwatch.yaml", `
timing:
  poll: 30s
sites:
  - id: local
    base_url: http://shop.test
    locator: p.stock
    locator_kind: css
    fetch: http
    timing:
      confirms: 2
`)
	t.Setenv("STOCKWATCH_EMAIL_PASSWORD", "secret")
	t.Setenv("SMS_ACCOUNT_ID", "AC1")

	s, err := Load(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if s.Timing.Poll != 30*time.Second {
		t.Fatalf("poll: %v", s.Timing.Poll)
	}
	if s.Timing.SiteLoad != 10*time.Second || s.Timing.MaxRefreshes != 3 || s.Timing.Confirms != 1 {
		t.Fatalf("defaults: %+v", s.Timing)
	}
	if s.Email.Password != "secret" {
		t.Fatalf("env override: %q", s.Email.Password)
	}
	if s.SMS.AccountID != "AC1" {
		t.Fatalf("legacy env: %q", s.SMS.AccountID)
	}
	if s.Email.Port != 587 || !s.Email.RequireTLS {
		t.Fatalf("email defaults: %+v", s.Email)
	}

	local, ok := s.SiteFamilies().Find("local")
	if !ok {
		t.Fatal("configured family missing")
	}
	tm := s.TimingFor(local)
	if tm.Confirms != 2 || tm.Poll != 30*time.Second {
		t.Fatalf("family timing: %+v", tm)
	}
}

func TestLoad_MissingDefaultFileIsFine(t *testing.T) {
	t.Chdir(t.TempDir())
	s, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if s.Data.Items != "items.json" {
		t.Fatalf("items default: %q", s.Data.Items)
	}
}

func TestSummarize(t *testing.T) {
	sum := Summarize(loadFixture(t))
	if sum.Families != 2 || sum.Items != 3 || sum.Subscribed != 2 || sum.Subscribers != 2 {
		t.Fatalf("%+v", sum)
	}
}
