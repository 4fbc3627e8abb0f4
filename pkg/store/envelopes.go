package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/attestmesh/node/pkg/envelope"
)

// UserHandle identifies a user row created by InsertUserByGenesis.
type UserHandle struct {
	ID          int64
	Key         envelope.Key
	GenesisHash envelope.Hash
}

// TipQuery names the (genesis, height) pair GetConnectedMessagesNewerThan
// filters on -- the caller's last-known position in one author's chain.
type TipQuery struct {
	Genesis envelope.Hash
	Height  int64
}

func marshalEnvelope(e *envelope.Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func unmarshalEnvelope(body []byte) (*envelope.Envelope, error) {
	var e envelope.Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertUserByGenesis inserts a user row for the genesis envelope's author
// if one does not already exist (a duplicate key is tolerated, not an
// error) and inserts the genesis envelope itself, all in one transaction.
func (s *Store) InsertUserByGenesis(nickname string, genesis envelope.Authenticated[*envelope.Envelope]) (UserHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := genesis.Get()
	if e.Header.Ancestors != nil {
		return UserHandle{}, errors.New("store: insert_user_by_genesis requires a genesis envelope")
	}
	genesisHash := e.CanonicalHash()

	tx, err := s.db.Begin()
	if err != nil {
		return UserHandle{}, err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	_, err = tx.Exec(
		`INSERT INTO users (nickname, key, genesis_hash, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		nickname, e.Header.Key[:], genesisHash[:], now,
	)
	if err != nil {
		return UserHandle{}, classifyConstraint(err)
	}

	if err := insertEnvelopeTx(tx, e, genesisHash); err != nil {
		return UserHandle{}, err
	}

	var id int64
	if err := tx.QueryRow(`SELECT id FROM users WHERE key = ?`, e.Header.Key[:]).Scan(&id); err != nil {
		return UserHandle{}, err
	}

	// Children of this author that arrived before their genesis (spec.md
	// S2) were stored with a NULL user_id; now that the user row exists,
	// backfill them in the same transaction as the genesis insert.
	if _, err := tx.Exec(`UPDATE messages SET user_id = ? WHERE key = ? AND user_id IS NULL`, id, e.Header.Key[:]); err != nil {
		return UserHandle{}, err
	}

	if err := tx.Commit(); err != nil {
		return UserHandle{}, err
	}
	s.notify.Broadcast()

	return UserHandle{ID: id, Key: e.Header.Key, GenesisHash: genesisHash}, nil
}

// UserExists reports whether a user row has been created for key, i.e.
// whether that author's genesis envelope has already been inserted. The
// envelope processor uses this to decide whether a non-genesis envelope
// from a never-before-seen author should be dropped -- a store-level
// policy decision, not a schema constraint, since the messages table
// itself tolerates a child row arriving before its genesis (spec.md S2).
func (s *Store) UserExists(key envelope.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM users WHERE key = ?`, key[:]).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// TryInsertAuthenticated stores an already-authenticated envelope keyed by
// its canonical hash, denormalising genesis/prev_msg/key/height/sent_time
// and the used nonce into their own columns.
func (s *Store) TryInsertAuthenticated(auth envelope.Authenticated[*envelope.Envelope]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := auth.Get()
	hash := e.CanonicalHash()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertEnvelopeTx(tx, e, hash); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.notify.Broadcast()
	return nil
}

func insertEnvelopeTx(tx *sql.Tx, e *envelope.Envelope, hash envelope.Hash) error {
	body, err := marshalEnvelope(e)
	if err != nil {
		return err
	}

	var prevMsg []byte
	var genesis envelope.Hash
	connected := 0
	if e.Header.Ancestors == nil {
		genesis = hash
		connected = 1
	} else {
		genesis = e.Header.Ancestors.Genesis
		pm := e.Header.Ancestors.PrevMsg
		prevMsg = pm[:]
	}

	nonce, _ := e.ExtractUsedNonce()

	_, err = tx.Exec(
		`INSERT INTO messages (hash, genesis, prev_msg, key, user_id, height, sent_time, received_time, nonce, connected, body)
		 VALUES (?, ?, ?, ?, (SELECT id FROM users WHERE key = ?), ?, ?, ?, ?, ?, ?)`,
		hash[:], genesis[:], prevMsg, e.Header.Key[:], e.Header.Key[:], e.Header.Height, e.Header.SentTimeMs,
		time.Now().UnixMilli(), nonce[:], connected, body,
	)
	if err != nil {
		return classifyConstraint(err)
	}
	return nil
}

// GetTipForUserByKey returns the most recent connected envelope for key.
func (s *Store) GetTipForUserByKey(key envelope.Key) (*envelope.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT body FROM messages WHERE key = ? AND connected = 1 ORDER BY height DESC LIMIT 1`,
		key[:],
	)
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return unmarshalEnvelope(body)
}

// GetTipsForAllUsers returns one tip (the highest connected envelope) per
// distinct author key. Per spec.md's resolved open question, this is a
// single dedicated query rather than a GROUP BY users.id join -- grouping
// directly on messages.key by max(height) among connected rows.
func (s *Store) GetTipsForAllUsers() ([]*envelope.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT m.body FROM messages m
		INNER JOIN (
			SELECT key, MAX(height) AS max_height FROM messages
			WHERE connected = 1
			GROUP BY key
		) latest ON m.key = latest.key AND m.height = latest.max_height
		WHERE m.connected = 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEnvelopeRows(rows)
}

// GetDisconnectedTipForKnownKeys returns envelopes with no known child
// whose prev_msg is not present in the store -- these are the frontier
// that drives missing-envelope fetches.
func (s *Store) GetDisconnectedTipForKnownKeys() ([]*envelope.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT m.body FROM messages m
		WHERE m.connected = 0
		  AND NOT EXISTS (SELECT 1 FROM messages p WHERE p.prev_msg = m.hash)
		  AND NOT EXISTS (SELECT 1 FROM messages parent WHERE parent.hash = m.prev_msg)
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEnvelopeRows(rows)
}

// GetConnectedMessagesNewerThan returns, for each supplied (genesis,
// height) tip, all connected envelopes in that chain taller than height.
func (s *Store) GetConnectedMessagesNewerThan(tips []TipQuery) ([]*envelope.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*envelope.Envelope
	stmt, err := s.db.Prepare(`SELECT body FROM messages WHERE genesis = ? AND height > ? AND connected = 1 ORDER BY height ASC`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	for _, t := range tips {
		rows, err := stmt.Query(t.Genesis[:], t.Height)
		if err != nil {
			return nil, err
		}
		envs, err := scanEnvelopeRows(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, envs...)
	}
	return out, nil
}

// GetAllMessagesCollectIntoInconsistent streams every envelope past cursor
// into into, advancing cursor monotonically; "inconsistent" means the
// result may include envelopes whose parent is not yet present locally.
// Per spec.md's resolved open question the caller owns persisting cursor
// across restarts -- the store only ever advances it forward.
func (s *Store) GetAllMessagesCollectIntoInconsistent(cursor *int64, into map[envelope.Hash]*envelope.Envelope) error {
	return s.collectSince(cursor, into, false)
}

// GetAllConnectedMessagesCollectInto is GetAllMessagesCollectIntoInconsistent
// restricted to connected envelopes.
func (s *Store) GetAllConnectedMessagesCollectInto(cursor *int64, into map[envelope.Hash]*envelope.Envelope) error {
	return s.collectSince(cursor, into, true)
}

func (s *Store) collectSince(cursor *int64, into map[envelope.Hash]*envelope.Envelope, connectedOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT rowid, body FROM messages WHERE rowid > ?`
	if connectedOnly {
		query += ` AND connected = 1`
	}
	query += ` ORDER BY rowid ASC`

	rows, err := s.db.Query(query, *cursor)
	if err != nil {
		return err
	}
	defer rows.Close()

	var maxRowid int64 = *cursor
	for rows.Next() {
		var rowid int64
		var body []byte
		if err := rows.Scan(&rowid, &body); err != nil {
			return err
		}
		e, err := unmarshalEnvelope(body)
		if err != nil {
			return err
		}
		into[e.CanonicalHash()] = e
		if rowid > maxRowid {
			maxRowid = rowid
		}
	}
	*cursor = maxRowid
	return rows.Err()
}

// MessagesByHash returns the envelopes for the given hashes that are
// present in the store; missing hashes are silently omitted.
func (s *Store) MessagesByHash(hashes []envelope.Hash) ([]*envelope.Envelope, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*envelope.Envelope
	stmt, err := s.db.Prepare(`SELECT body FROM messages WHERE hash = ?`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	for _, h := range hashes {
		row := stmt.QueryRow(h[:])
		var body []byte
		if err := row.Scan(&body); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, err
		}
		e, err := unmarshalEnvelope(body)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// MessageExists reports whether hash is present in the store.
func (s *Store) MessageExists(hash envelope.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM messages WHERE hash = ?`, hash[:]).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MessageNotExistsIt filters hashes down to the subset not present in the
// store.
func (s *Store) MessageNotExistsIt(hashes []envelope.Hash) ([]envelope.Hash, error) {
	var missing []envelope.Hash
	for _, h := range hashes {
		ok, err := s.MessageExists(h)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, h)
		}
	}
	return missing, nil
}

// AttachTips runs the explicit connectedness pass: repeatedly marks rows
// connected whose prev_msg is already connected (genesis rows are
// inserted already connected), until a pass connects nothing new. It returns the total count
// of rows connected. This is the "(b)" option from spec.md section 4.B's
// "(a) trigger ... and/or (b) explicit attach_tips()" -- chosen over a
// trigger because modernc.org/sqlite recursive-trigger support is not
// reliably portable across its build tags.
func (s *Store) AttachTips() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for {
		res, err := s.db.Exec(`
			UPDATE messages
			SET connected = 1
			WHERE connected = 0
			  AND prev_msg IN (SELECT hash FROM messages WHERE connected = 1)
		`)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(n)
		if n == 0 {
			break
		}
	}
	if total > 0 {
		s.notify.Broadcast()
	}
	return total, nil
}

func scanEnvelopeRows(rows *sql.Rows) ([]*envelope.Envelope, error) {
	var out []*envelope.Envelope
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		e, err := unmarshalEnvelope(body)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
