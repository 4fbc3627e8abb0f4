// Package store is the sqlite-backed Message Store: the per-author
// envelope chains, pre-committed nonce bookkeeping, peer bookkeeping and
// chain-commit-group membership that the rest of the node reads and
// writes through. Structured constraint errors follow the teacher's
// pkg/database/errors.go sentinel pattern.
package store

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrUniqueViolation surfaces a UNIQUE constraint failure as data,
	// not a panic, per spec.md's StoreConstraint policy.
	ErrUniqueViolation = errors.New("store: unique constraint violated")
	// ErrNotNullViolation surfaces a NOT NULL constraint failure.
	ErrNotNullViolation = errors.New("store: not-null constraint violated")
	// ErrCheckViolation surfaces a CHECK constraint failure.
	ErrCheckViolation = errors.New("store: check constraint violated")
	// ErrNonceAlreadyConsumed is returned by GetSecretForPublicNonce when
	// the nonce was already claimed by a prior signing.
	ErrNonceAlreadyConsumed = errors.New("store: nonce already consumed")
)

// classifyConstraint maps a modernc.org/sqlite driver error to one of the
// structured sentinels above, the way the teacher's repository layer maps
// sql.ErrNoRows to ErrNotFound rather than leaking a driver type upward.
// modernc.org/sqlite wraps the same SQLITE_CONSTRAINT_* extended result
// codes as the C library; its Error() text carries the constraint kind, so
// matching on that text avoids a hard dependency on driver-internal types.
func classifyConstraint(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique"):
		return ErrUniqueViolation
	case strings.Contains(msg, "not null"):
		return ErrNotNullViolation
	case strings.Contains(msg, "check"):
		return ErrCheckViolation
	default:
		return err
	}
}
