package config

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema is the SQLite form of the subscription database.
const Schema = `
CREATE TABLE IF NOT EXISTS subscribers (
	id TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS subscriber_destinations (
	subscriber_id TEXT NOT NULL REFERENCES subscribers(id) ON DELETE CASCADE,
	medium        TEXT NOT NULL CHECK(medium IN ('email', 'sms')),
	address       TEXT NOT NULL,
	position      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (subscriber_id, medium, address)
);

CREATE TABLE IF NOT EXISTS items (
	site     TEXT NOT NULL,
	name     TEXT NOT NULL,
	path     TEXT NOT NULL,
	position INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (site, name)
);

CREATE TABLE IF NOT EXISTS item_excludes (
	site     TEXT NOT NULL,
	name     TEXT NOT NULL,
	pattern  TEXT NOT NULL,
	position INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (site, name) REFERENCES items(site, name) ON DELETE CASCADE
);

-- subscriber_id is not a foreign key: a dangling reference
-- surfaces as a per-item configuration error, as with the file form.
CREATE TABLE IF NOT EXISTS item_subscribers (
	site          TEXT NOT NULL,
	name          TEXT NOT NULL,
	subscriber_id TEXT NOT NULL,
	position      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (site, name, subscriber_id),
	FOREIGN KEY (site, name) REFERENCES items(site, name) ON DELETE CASCADE
);
`

// LoadSQLite reads the subscription database from db. The schema must
// already exist.
func LoadSQLite(ctx context.Context, db *sql.DB) (*DB, error) {
	out := &DB{}
	out.applyDefaults()

	if err := loadItems(ctx, db, out); err != nil {
		return nil, err
	}
	if err := loadSubscribers(ctx, db, out); err != nil {
		return nil, err
	}
	return out, nil
}

type itemKey struct{ site, name string }

func loadItems(ctx context.Context, db *sql.DB, out *DB) error {
	rows, err := db.QueryContext(ctx, `SELECT site, name, path FROM items ORDER BY site, position, name`)
	if err != nil {
		return fmt.Errorf("config: query items: %w", err)
	}
	defer rows.Close()

	index := map[itemKey]int{}
	for rows.Next() {
		var site string
		var it Item
		if err := rows.Scan(&site, &it.Name, &it.Path); err != nil {
			return fmt.Errorf("config: scan item: %w", err)
		}
		index[itemKey{site, it.Name}] = len(out.Items[site])
		out.Items[site] = append(out.Items[site], it)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("config: items rows: %w", err)
	}

	attach := func(query string, add func(it *Item, v string)) error {
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("config: query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var site, name, v string
			if err := rows.Scan(&site, &name, &v); err != nil {
				return fmt.Errorf("config: scan: %w", err)
			}
			i, ok := index[itemKey{site, name}]
			if !ok {
				continue
			}
			add(&out.Items[site][i], v)
		}
		return rows.Err()
	}

	if err := attach(`SELECT site, name, pattern FROM item_excludes ORDER BY site, name, position`,
		func(it *Item, v string) { it.Exclude = append(it.Exclude, v) }); err != nil {
		return err
	}
	return attach(`SELECT site, name, subscriber_id FROM item_subscribers ORDER BY site, name, position`,
		func(it *Item, v string) { it.Subscribers = append(it.Subscribers, v) })
}

func loadSubscribers(ctx context.Context, db *sql.DB, out *DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT s.id, d.medium, d.address
		FROM subscribers s
		LEFT JOIN subscriber_destinations d ON d.subscriber_id = s.id
		ORDER BY s.id, d.medium, d.position`)
	if err != nil {
		return fmt.Errorf("config: query subscribers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var medium, address sql.NullString
		if err := rows.Scan(&id, &medium, &address); err != nil {
			return fmt.Errorf("config: scan subscriber: %w", err)
		}
		sub := out.Subscribers[id]
		switch medium.String {
		case "email":
			sub.Email = append(sub.Email, address.String)
		case "sms":
			sub.SMS = append(sub.SMS, address.String)
		}
		out.Subscribers[id] = sub
	}
	return rows.Err()
}

// Import writes an in-memory database into db, replacing prior rows.
func Import(ctx context.Context, db *sql.DB, src *DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("config: begin: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM item_subscribers`, `DELETE FROM item_excludes`, `DELETE FROM items`,
		`DELETE FROM subscriber_destinations`, `DELETE FROM subscribers`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("config: clear: %w", err)
		}
	}

	for id, sub := range src.Subscribers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO subscribers (id) VALUES (?)`, id); err != nil {
			return fmt.Errorf("config: insert subscriber %s: %w", id, err)
		}
		for i, e := range sub.Email {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO subscriber_destinations (subscriber_id, medium, address, position) VALUES (?, 'email', ?, ?)`,
				id, e, i); err != nil {
				return fmt.Errorf("config: insert destination: %w", err)
			}
		}
		for i, s := range sub.SMS {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO subscriber_destinations (subscriber_id, medium, address, position) VALUES (?, 'sms', ?, ?)`,
				id, s, i); err != nil {
				return fmt.Errorf("config: insert destination: %w", err)
			}
		}
	}

	for site, items := range src.Items {
		for pos, it := range items {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO items (site, name, path, position) VALUES (?, ?, ?, ?)`,
				site, it.Name, it.Path, pos); err != nil {
				return fmt.Errorf("config: insert item %s/%s: %w", site, it.Name, err)
			}
			for i, p := range it.Exclude {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO item_excludes (site, name, pattern, position) VALUES (?, ?, ?, ?)`,
					site, it.Name, p, i); err != nil {
					return fmt.Errorf("config: insert exclude: %w", err)
				}
			}
			for i, ref := range it.Subscribers {
				if _, err := tx.ExecContext(ctx,
					`INSERT OR IGNORE INTO item_subscribers (site, name, subscriber_id, position) VALUES (?, ?, ?, ?)`,
					site, it.Name, ref, i); err != nil {
					return fmt.Errorf("config: insert item subscriber: %w", err)
				}
			}
		}
	}
	return tx.Commit()
}
