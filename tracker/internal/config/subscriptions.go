package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Item is one watched product page.
type Item struct {
	Name        string   `yaml:"name" json:"name"`
	Path        string   `yaml:"path" json:"path"`
	Exclude     []string `yaml:"exclude" json:"exclude"`
	Subscribers []string `yaml:"subscribers" json:"subscribers"`
}

// Subscriber holds contact destinations.
type Subscriber struct {
	Email []string `yaml:"email" json:"email"`
	SMS   []string `yaml:"sms" json:"sms"`
}

// DB is the subscription database: items grouped by site family key (id
// or base address) and subscribers by id. It is read-only after load.
type DB struct {
	Items       map[string][]Item
	Subscribers map[string]Subscriber
}

// LoadFiles reads the items and subscribers files. Both YAML and JSON are
// accepted.
func LoadFiles(itemsPath, subscribersPath string) (*DB, error) {
	db := &DB{}
	if err := readYAML(itemsPath, &db.Items); err != nil {
		return nil, fmt.Errorf("config: items: %w", err)
	}
	if err := readYAML(subscribersPath, &db.Subscribers); err != nil {
		return nil, fmt.Errorf("config: subscribers: %w", err)
	}
	db.applyDefaults()
	return db, nil
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (db *DB) applyDefaults() {
	if db.Items == nil {
		db.Items = map[string][]Item{}
	}
	if db.Subscribers == nil {
		db.Subscribers = map[string]Subscriber{}
	}
}

// Families returns the family keys in stable order.
func (db *DB) Families() []string {
	keys := make([]string, 0, len(db.Items))
	for k := range db.Items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Subscribed returns the items of family that have at least one
// subscriber reference.
func (db *DB) Subscribed(family string) []Item {
	var out []Item
	for _, it := range db.Items[family] {
		if len(it.Subscribers) > 0 {
			out = append(out, it)
		}
	}
	return out
}

// Lookup finds an item by name within a family.
func (db *DB) Lookup(family, name string) (Item, error) {
	for _, it := range db.Items[family] {
		if it.Name == name {
			return it, nil
		}
	}
	return Item{}, &Error{Kind: KindUnknownItem, Site: family, Item: name}
}

// Destinations flattens the item's subscribers into email and SMS lists,
// keeping subscriber order and dropping duplicates.
func (db *DB) Destinations(family string, it Item) (email, sms []string, err error) {
	seenEmail := map[string]bool{}
	seenSMS := map[string]bool{}
	for _, ref := range it.Subscribers {
		sub, ok := db.Subscribers[ref]
		if !ok {
			return nil, nil, &Error{Kind: KindUnknownSubscriber, Site: family, Item: it.Name, Ref: ref}
		}
		for _, e := range sub.Email {
			if !seenEmail[e] {
				seenEmail[e] = true
				email = append(email, e)
			}
		}
		for _, s := range sub.SMS {
			if !seenSMS[s] {
				seenSMS[s] = true
				sms = append(sms, s)
			}
		}
	}
	return email, sms, nil
}
