package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/attestmesh/node/pkg/envelope"
)

// SavePrivateKey persists secret under its x-only key, as the control API's
// make_genesis and push_message_dangerous need a keymap to recover a
// signing key from an envelope.Key alone (original_source's save_keypair /
// get_keymap).
func (s *Store) SavePrivateKey(key envelope.Key, secret *btcec.PrivateKey, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO private_keys (key, secret, label, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		key[:], secret.Serialize(), label, time.Now().UnixMilli(),
	)
	return err
}

// PrivateKeyForKey looks up the secret behind an x-only public key.
func (s *Store) PrivateKeyForKey(key envelope.Key) (*btcec.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var secretBytes []byte
	err := s.db.QueryRow(`SELECT secret FROM private_keys WHERE key = ?`, key[:]).Scan(&secretBytes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	priv, _ := btcec.PrivKeyFromBytes(secretBytes)
	return priv, nil
}

// AllUsers lists every user row -- spec.md section 6's `all_users` status
// projection (key, nickname, known -- whether this node holds the private
// key, i.e. it is a local user rather than one only known from the wire).
type UserSummary struct {
	Key      envelope.Key
	Nickname string
	Known    bool
}

func (s *Store) AllUsers() ([]UserSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT key, nickname FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserSummary
	for rows.Next() {
		var keyBytes []byte
		var nickname sql.NullString
		if err := rows.Scan(&keyBytes, &nickname); err != nil {
			return nil, err
		}
		var u UserSummary
		copy(u.Key[:], keyBytes)
		u.Nickname = nickname.String
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(1) FROM private_keys WHERE key = ?`, out[i].Key[:]).Scan(&n); err != nil {
			return nil, err
		}
		out[i].Known = n > 0
	}
	return out, nil
}
