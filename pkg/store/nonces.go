package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/attestmesh/node/pkg/envelope"
)

// GenerateFreshNonce creates and stores a new precommitted nonce pair for
// key, returning its public half for publication in a header's next_nonce
// field. The secret half is held back until GetSecretForPublicNonce
// consumes it.
func (s *Store) GenerateFreshNonce(key envelope.Key) (envelope.PublicNonce, error) {
	pn, err := envelope.GenerateNonce()
	if err != nil {
		return envelope.PublicNonce{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return envelope.PublicNonce{}, err
	}
	defer tx.Rollback()

	if err := insertFreshNonceTx(tx, key, pn); err != nil {
		return envelope.PublicNonce{}, err
	}
	if err := tx.Commit(); err != nil {
		return envelope.PublicNonce{}, err
	}
	return pn.Public, nil
}

func insertFreshNonceTx(tx *sql.Tx, key envelope.Key, pn envelope.PrecommittedNonce) error {
	_, err := tx.Exec(
		`INSERT INTO message_nonces (public_nonce, key, secret, consumed, created_at) VALUES (?, ?, ?, 0, ?)`,
		pn.Public[:], key[:], pn.Secret[:], time.Now().UnixMilli(),
	)
	if err != nil {
		return classifyConstraint(err)
	}
	return nil
}

// GetSecretForPublicNonce is a transactional single-use read: it returns
// the secret scalar committed to by public nonce r and marks it consumed
// in the same transaction, so the same secret can never be handed out
// twice even under concurrent callers. Per spec.md's design note, callers
// must not cache secrets outside the store.
func (s *Store) GetSecretForPublicNonce(r envelope.PublicNonce) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return [32]byte{}, err
	}
	defer tx.Rollback()

	secret, err := consumeNonceTx(tx, r)
	if err != nil {
		return secret, err
	}
	if err := tx.Commit(); err != nil {
		return secret, err
	}
	return secret, nil
}

// ConsumeAndRotateNonce atomically consumes the secret committed to by
// prev (the current tip's next_nonce) and allocates a fresh nonce pair
// for key, in one transaction. Per spec.md section 4.B step 4's warning
// that the consume and the fresh allocation "must be atomic... else the
// store may leak nonces" -- a crash or error between two separate calls
// would otherwise leave the old secret consumed with no replacement
// committed, or a replacement committed whose secret nobody can prove was
// ever meant to follow the consumed tip. WrapMessage is this method's
// only caller.
func (s *Store) ConsumeAndRotateNonce(key envelope.Key, prev envelope.PublicNonce) ([32]byte, envelope.PublicNonce, error) {
	next, err := envelope.GenerateNonce()
	if err != nil {
		return [32]byte{}, envelope.PublicNonce{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return [32]byte{}, envelope.PublicNonce{}, err
	}
	defer tx.Rollback()

	secret, err := consumeNonceTx(tx, prev)
	if err != nil {
		return [32]byte{}, envelope.PublicNonce{}, err
	}
	if err := insertFreshNonceTx(tx, key, next); err != nil {
		return [32]byte{}, envelope.PublicNonce{}, err
	}
	if err := tx.Commit(); err != nil {
		return [32]byte{}, envelope.PublicNonce{}, err
	}
	return secret, next.Public, nil
}

func consumeNonceTx(tx *sql.Tx, r envelope.PublicNonce) ([32]byte, error) {
	var secret [32]byte

	var secretBytes []byte
	var consumed int
	err := tx.QueryRow(`SELECT secret, consumed FROM message_nonces WHERE public_nonce = ?`, r[:]).
		Scan(&secretBytes, &consumed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return secret, ErrNotFound
		}
		return secret, err
	}
	if consumed != 0 {
		return secret, ErrNonceAlreadyConsumed
	}

	if _, err := tx.Exec(`UPDATE message_nonces SET consumed = 1 WHERE public_nonce = ?`, r[:]); err != nil {
		return secret, err
	}

	copy(secret[:], secretBytes)
	return secret, nil
}
