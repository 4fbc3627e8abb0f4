package eventlog

// Schema is the event log's own sqlite schema: independent database file,
// independent connection and mutex discipline from the message store, per
// spec.md section 5 ("event-log connection (same discipline as store)").
// Grounded in original_source/common/event-log's occurrence_group /
// occurrence tables (db_handle/accessors/occurrence/mod.rs,
// db_handle/accessors/occurrence/sql/insert/methods.rs): an occurrence
// belongs to a group, carries a typeid and JSON data payload, and
// optionally a unique_tag that makes its insertion idempotent.
const Schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS occurrence_group (
	id  INTEGER PRIMARY KEY,
	key TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS occurrence (
	id         INTEGER PRIMARY KEY,
	group_id   INTEGER NOT NULL REFERENCES occurrence_group(id),
	data       BLOB NOT NULL,
	time       INTEGER NOT NULL,
	typeid     TEXT NOT NULL,
	unique_tag TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_occurrence_unique_tag
	ON occurrence(group_id, typeid, unique_tag)
	WHERE unique_tag IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_occurrence_group_id ON occurrence(group_id, id);
`
