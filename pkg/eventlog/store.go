// Package eventlog implements the append-only, typed, idempotent event
// log spec.md section 4.F describes: occurrences grouped by an opaque
// group key, each tagged with an application type id, with an optional
// unique_tag that turns a repeat insert into a no-op rather than a
// duplicate row.
package eventlog

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// GroupID identifies an occurrence_group row.
type GroupID int64

// OccurrenceID identifies a single occurrence row, strictly increasing
// within insertion order.
type OccurrenceID int64

// Occurrence is one typed, timestamped event.
type Occurrence struct {
	ID        OccurrenceID
	GroupID   GroupID
	Data      []byte
	Time      int64
	TypeID    string
	UniqueTag *string
}

// ErrAlreadyExists is the distinguished non-error outcome spec.md
// section 4.F and 7 call Idempotent::AlreadyExists: inserting an
// occurrence whose (group_id, typeid, unique_tag) already exists.
var ErrAlreadyExists = errors.New("eventlog: occurrence already exists")

// Store is the event log's own sqlite-backed connection, deliberately
// separate from the message store (spec.md section 5).
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if necessary) the event log database at path, its
// own file and connection per spec.md section 5 ("event-log connection
// (same discipline as store)").
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("eventlog: pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: applying schema: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "eventlog").Logger()}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetOrCreateGroup returns the GroupID for key, creating the group row if
// it does not exist yet.
func (s *Store) GetOrCreateGroup(key string) (GroupID, error) {
	if _, err := s.db.Exec(`INSERT INTO occurrence_group (key) VALUES (?) ON CONFLICT(key) DO NOTHING`, key); err != nil {
		return 0, err
	}
	var id int64
	if err := s.db.QueryRow(`SELECT id FROM occurrence_group WHERE key = ?`, key).Scan(&id); err != nil {
		return 0, err
	}
	return GroupID(id), nil
}

// Insert appends an occurrence. If uniqueTag is non-nil and an occurrence
// with the same (group, typeid, tag) already exists, it returns
// ErrAlreadyExists rather than inserting a duplicate row -- this IS the
// expected outcome for a replayed event, not a failure the caller should
// log as one.
func (s *Store) Insert(group GroupID, typeID string, data []byte, uniqueTag *string) (OccurrenceID, error) {
	res, err := s.db.Exec(
		`INSERT INTO occurrence (group_id, data, time, typeid, unique_tag) VALUES (?, ?, ?, ?, ?)`,
		int64(group), data, time.Now().UnixMilli(), typeID, uniqueTag,
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return 0, ErrAlreadyExists
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return OccurrenceID(id), nil
}

// GetOccurrencesForGroupAfterID returns every occurrence in group with id
// strictly greater than afterID, in increasing id order.
func (s *Store) GetOccurrencesForGroupAfterID(group GroupID, afterID OccurrenceID) ([]Occurrence, error) {
	rows, err := s.db.Query(
		`SELECT id, group_id, data, time, typeid, unique_tag FROM occurrence
		 WHERE group_id = ? AND id > ? ORDER BY id ASC`,
		int64(group), int64(afterID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Occurrence
	for rows.Next() {
		var o Occurrence
		var gid int64
		var tag sql.NullString
		if err := rows.Scan(&o.ID, &gid, &o.Data, &o.Time, &o.TypeID, &tag); err != nil {
			return nil, err
		}
		o.GroupID = GroupID(gid)
		if tag.Valid {
			t := tag.String
			o.UniqueTag = &t
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
