package store

// Schema contains every table and index the message store needs. It is
// applied with CREATE TABLE/INDEX IF NOT EXISTS on every open, the same
// idempotent-migration approach the teacher's sqlite subpackage uses
// (_examples/certenIO-certen-validator/accumulate-lite-client-2/liteclient/storage/sqlite/schema.go).
//
// connected is set at insert time for genesis rows and otherwise
// maintained only by attach_tips -- see envelopes.go.
// prev_msg deliberately carries no foreign key: out-of-order insertion
// (a child arriving before its parent) is a supported case, not an error.
// height, sent_time and nonce are denormalised at insert time from the
// envelope body rather than expressed as SQLite generated columns, since
// modernc.org/sqlite's generated-column support does not reach into a
// JSON column the way the wire format implies.
// user_id is populated from a `SELECT id FROM users WHERE key = ?`
// subquery at insert time (see insertEnvelopeTx). The user row is created
// only when that author's genesis envelope is inserted, so a non-genesis
// envelope can and does arrive before its genesis (spec.md S2, property
// 5): user_id is left NULL in that case rather than rejected, and
// InsertUserByGenesis backfills every such row for the key once the
// genesis finally lands. The column is nullable for exactly this reason
// -- it is denormalised bookkeeping, not an authorization gate; the
// envelope processor's own unsolicited-author policy is enforced above
// the store, not via this constraint.
const Schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY,
	nickname      TEXT,
	key           BLOB NOT NULL UNIQUE,
	genesis_hash  BLOB NOT NULL,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	hash          BLOB PRIMARY KEY,
	genesis       BLOB NOT NULL,
	prev_msg      BLOB,
	key           BLOB NOT NULL,
	user_id       INTEGER REFERENCES users(id),
	height        INTEGER NOT NULL,
	sent_time     INTEGER NOT NULL,
	received_time INTEGER NOT NULL,
	nonce         BLOB NOT NULL,
	connected     INTEGER NOT NULL DEFAULT 0,
	body          BLOB NOT NULL,
	UNIQUE(genesis, height)
);

CREATE INDEX IF NOT EXISTS idx_messages_key_height ON messages(key, height DESC);
CREATE INDEX IF NOT EXISTS idx_messages_genesis_height ON messages(genesis, height);
CREATE INDEX IF NOT EXISTS idx_messages_prev_msg ON messages(prev_msg);
CREATE INDEX IF NOT EXISTS idx_messages_connected ON messages(connected);

CREATE TABLE IF NOT EXISTS message_nonces (
	public_nonce BLOB PRIMARY KEY,
	key          BLOB NOT NULL,
	secret       BLOB NOT NULL,
	consumed     INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_message_nonces_key ON message_nonces(key, consumed);

CREATE TABLE IF NOT EXISTS private_keys (
	key        BLOB PRIMARY KEY,
	secret     BLOB NOT NULL,
	label      TEXT,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS hidden_services (
	url         TEXT PRIMARY KEY,
	port        INTEGER NOT NULL,
	fetch       INTEGER NOT NULL DEFAULT 1,
	push        INTEGER NOT NULL DEFAULT 1,
	unsolicited INTEGER NOT NULL DEFAULT 0,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chain_commit_groups (
	id   INTEGER PRIMARY KEY,
	name TEXT UNIQUE
);

CREATE TABLE IF NOT EXISTS chain_commit_group_members (
	group_id INTEGER NOT NULL REFERENCES chain_commit_groups(id),
	key      BLOB NOT NULL,
	PRIMARY KEY (group_id, key)
);

CREATE TABLE IF NOT EXISTS chain_commit_group_subscribers (
	group_id INTEGER NOT NULL REFERENCES chain_commit_groups(id),
	url      TEXT NOT NULL,
	PRIMARY KEY (group_id, url)
);
`
