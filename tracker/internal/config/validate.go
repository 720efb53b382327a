package config

import (
	"errors"
	"fmt"

	"github.com/hazyhaar/stockwatch/tracker/internal/debounce"
)

// Validate checks the families and the subscription database together.
// Every problem is reported; none stops the others from being found.
func Validate(sites Sites, db *DB) []error {
	var errs []error

	seen := map[string]bool{}
	for _, s := range sites {
		if err := s.validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[s.ID] {
			errs = append(errs, &Error{Kind: KindInvalidSite, Site: s.ID, Cause: errors.New("duplicate id")})
		}
		seen[s.ID] = true
	}

	for _, key := range db.Families() {
		site, ok := sites.Find(key)
		if !ok {
			errs = append(errs, &Error{Kind: KindUnknownSite, Site: key})
			continue
		}
		errs = append(errs, ValidateItems(site, key, db)...)
	}
	return errs
}

// ValidateItems checks the items of one family key.
func ValidateItems(site SiteFamily, key string, db *DB) []error {
	var errs []error
	names := map[string]bool{}
	for _, it := range db.Items[key] {
		if err := ValidateItem(site, key, db, it); err != nil {
			errs = append(errs, err)
		}
		if names[it.Name] {
			errs = append(errs, &Error{Kind: KindInvalidItem, Site: key, Item: it.Name, Cause: errors.New("duplicate name")})
		}
		names[it.Name] = true
	}
	return errs
}

// ValidateItem returns the first problem of one item.
func ValidateItem(site SiteFamily, key string, db *DB, it Item) error {
	if it.Name == "" {
		return &Error{Kind: KindInvalidItem, Site: key, Cause: errors.New("name is required")}
	}
	if it.Path == "" {
		return &Error{Kind: KindInvalidItem, Site: key, Item: it.Name, Cause: errors.New("path is required")}
	}
	for _, p := range it.Exclude {
		if _, err := debounce.CompileExclusions([]string{p}, site.CaseInsensitive); err != nil {
			return &Error{Kind: KindInvalidPattern, Site: key, Item: it.Name, Ref: p, Cause: errors.Unwrap(err)}
		}
	}
	if _, _, err := db.Destinations(key, it); err != nil {
		return err
	}
	return nil
}

// Summary describes a validated configuration, for the validate command.
type Summary struct {
	Families    int
	Items       int
	Subscribed  int
	Subscribers int
}

func (s Summary) String() string {
	return fmt.Sprintf("%d families, %d items (%d subscribed), %d subscribers",
		s.Families, s.Items, s.Subscribed, s.Subscribers)
}

// Summarize counts what db holds.
func Summarize(db *DB) Summary {
	sum := Summary{Families: len(db.Items), Subscribers: len(db.Subscribers)}
	for key, items := range db.Items {
		sum.Items += len(items)
		sum.Subscribed += len(db.Subscribed(key))
	}
	return sum
}
