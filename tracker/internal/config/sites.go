package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/stockwatch/tracker/internal/fetch"
)

// Fetch modes.
const (
	FetchBrowser = "browser"
	FetchHTTP    = "http"
)

// Timing holds the watch timings. Zero fields inherit from the global
// timing when used as a site override.
type Timing struct {
	// SiteLoad is the settle wait before each read.
	SiteLoad time.Duration `mapstructure:"site_load" yaml:"site_load"`
	// Poll is the wait between iterations.
	Poll time.Duration `mapstructure:"poll" yaml:"poll"`
	// MaxWait bounds the wait for the availability element.
	MaxWait time.Duration `mapstructure:"max_wait" yaml:"max_wait"`
	// MaxRefreshes is the forced reconnect period in polls.
	MaxRefreshes int `mapstructure:"max_refreshes" yaml:"max_refreshes"`
	// Confirms is the debounce window size.
	Confirms int `mapstructure:"confirms" yaml:"confirms"`
}

// Merge returns t with its zero fields taken from base.
func (t Timing) Merge(base Timing) Timing {
	if t.SiteLoad == 0 {
		t.SiteLoad = base.SiteLoad
	}
	if t.Poll == 0 {
		t.Poll = base.Poll
	}
	if t.MaxWait == 0 {
		t.MaxWait = base.MaxWait
	}
	if t.MaxRefreshes == 0 {
		t.MaxRefreshes = base.MaxRefreshes
	}
	if t.Confirms == 0 {
		t.Confirms = base.Confirms
	}
	return t
}

// SiteFamily is a class of product pages sharing one extraction strategy.
type SiteFamily struct {
	ID              string            `mapstructure:"id" yaml:"id"`
	BaseURL         string            `mapstructure:"base_url" yaml:"base_url"`
	Locator         string            `mapstructure:"locator" yaml:"locator"`
	LocatorKind     fetch.LocatorKind `mapstructure:"locator_kind" yaml:"locator_kind"`
	Attribute       string            `mapstructure:"attribute" yaml:"attribute"`
	CaseInsensitive bool              `mapstructure:"case_insensitive" yaml:"case_insensitive"`
	Fetch           string            `mapstructure:"fetch" yaml:"fetch"`
	Timing          Timing            `mapstructure:"timing" yaml:"timing"`
}

// Loc returns the family locator.
func (s SiteFamily) Loc() fetch.Locator {
	kind := s.LocatorKind
	if kind == "" {
		kind = fetch.XPath
	}
	return fetch.Locator{Kind: kind, Expr: s.Locator}
}

// FetchMode returns the fetch mode, browser unless set.
func (s SiteFamily) FetchMode() string {
	if s.Fetch == "" {
		return FetchBrowser
	}
	return s.Fetch
}

// ResolveURL joins the base address and an item path. A path that is
// already absolute is returned unchanged.
func (s SiteFamily) ResolveURL(p string) string {
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	return strings.TrimRight(s.BaseURL, "/") + "/" + strings.TrimLeft(p, "/")
}

// validate reports structural problems of one family.
func (s SiteFamily) validate() error {
	bad := func(format string, args ...any) error {
		return &Error{Kind: KindInvalidSite, Site: s.ID, Cause: fmt.Errorf(format, args...)}
	}
	if s.ID == "" {
		return bad("id is required")
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return bad("base_url %q is not an absolute url", s.BaseURL)
	}
	if s.Locator == "" {
		return bad("locator is required")
	}
	loc := s.Loc()
	if loc.Kind != fetch.XPath && loc.Kind != fetch.CSS {
		return bad("locator_kind %q must be xpath or css", loc.Kind)
	}
	switch s.FetchMode() {
	case FetchBrowser:
	case FetchHTTP:
		if loc.Kind != fetch.CSS {
			return bad("fetch http requires a css locator")
		}
	default:
		return bad("fetch %q must be browser or http", s.Fetch)
	}
	return nil
}

// Sites is an ordered set of site families.
type Sites []SiteFamily

// Find returns the family whose ID or base address equals key.
func (ss Sites) Find(key string) (SiteFamily, bool) {
	k := strings.TrimRight(key, "/")
	for _, s := range ss {
		if s.ID == key || strings.TrimRight(s.BaseURL, "/") == k {
			return s, true
		}
	}
	return SiteFamily{}, false
}

// With returns ss with overrides applied: a family with a known ID
// replaces the built-in one, others are appended.
func (ss Sites) With(overrides []SiteFamily) Sites {
	out := make(Sites, len(ss))
	copy(out, ss)
	for _, o := range overrides {
		replaced := false
		for i := range out {
			if out[i].ID == o.ID {
				out[i] = o
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, o)
		}
	}
	return out
}

// Builtin returns the known retailer families.
func Builtin() Sites {
	return Sites{
		{ID: "amazon_jp", BaseURL: "https://www.amazon.co.jp", Locator: "//*[@id='availability']/child::span[1]"},
		{ID: "amazon", BaseURL: "https://www.amazon.com", Locator: "//*[@id='availability']/child::span[1]"},
		{ID: "claires", BaseURL: "https://www.claires.com", Locator: "//*[@class='product-info-container']//child::p"},
		{ID: "collectiblemadness", BaseURL: "https://www.collectiblemadness.com.au", Locator: "//div[@class='product-form__payment-container']/button[1]"},
		{ID: "bathandbodyworks", BaseURL: "https://www.bathandbodyworks.com", Locator: "//div[@class='availability-msg']"},
		{ID: "bestbuy", BaseURL: "https://www.bestbuy.com", Locator: "(//div[@class='fulfillment-add-to-cart-button'])[1]"},
		{ID: "fivebelow", BaseURL: "https://www.fivebelow.com", Locator: "//button[@data-cy='buyBox__addToCartButton']"},
		{ID: "landrys", BaseURL: "https://shop.landrysinc.com", Locator: "//div[@data-section-type='collection-template']"},
		{ID: "playstation", BaseURL: "https://direct.playstation.com", Locator: "//producthero-info//div[@class='button-placeholder']//button[@aria-label='Add to Cart']"},
		{ID: "costco", BaseURL: "https://www.costco.com", Locator: "//input[@id='add-to-cart-btn']", Attribute: "value"},
		{ID: "smythstoys", BaseURL: "https://www.smythstoys.com", Locator: "//p[@class=' deliveryType homeDelivery js-stockStatus']"},
	}
}
