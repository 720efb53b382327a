package observability

import "database/sql"

// Schema is the DDL for the notification audit trail. One row per send
// attempt, success or failure.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id      TEXT PRIMARY KEY,
    timestamp     INTEGER NOT NULL,
    component     TEXT NOT NULL,
    operation     TEXT NOT NULL,
    run_id        TEXT,
    channel       TEXT,
    destination   TEXT,
    attempt       INTEGER NOT NULL DEFAULT 1,
    status        TEXT NOT NULL,
    error_message TEXT,
    duration_ms   INTEGER,
    created_at    INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_log(run_id);
CREATE INDEX IF NOT EXISTS idx_audit_status ON audit_log(status);
`

// Init applies the audit schema to db.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
