package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/attestmesh/node/pkg/envelope"
)

// TipControlKind selects which tips WrapMessage reads before building an
// envelope.
type TipControlKind int

const (
	// AllTips reads every known user's current tip.
	AllTips TipControlKind = iota
	// NoTips reads none.
	NoTips
	// BypassedBy uses the caller-supplied envelope instead of this
	// author's current store tip -- used when extending a chain from an
	// envelope not yet committed (e.g. one built earlier in the same
	// batch).
	BypassedBy
)

// TipControl selects WrapMessage's tip-reading behavior.
type TipControl struct {
	Kind   TipControlKind
	Bypass *envelope.Envelope
}

// WrapMessage implements spec.md section 4.B's "wrap a message in an
// envelope" transactional helper: it reads tips, consumes the current
// tip's precommitted nonce secret and allocates a fresh nonce for the
// next envelope in one atomic step (store.ConsumeAndRotateNonce), builds
// the child envelope and signs it. The caller still must self-authenticate
// the result before inserting it -- WrapMessage only produces a signed
// envelope, it does not call TryInsertAuthenticated.
func (s *Store) WrapMessage(key envelope.Key, signingKey *btcec.PrivateKey, msg json.RawMessage, control TipControl) (*envelope.Envelope, error) {
	var tips []envelope.Tip
	if control.Kind == AllTips {
		all, err := s.GetTipsForAllUsers()
		if err != nil {
			return nil, err
		}
		for _, t := range all {
			tips = append(tips, envelope.Tip{Key: t.Header.Key, Height: t.Header.Height, Hash: t.CanonicalHash()})
		}
	}

	var tip *envelope.Envelope
	switch control.Kind {
	case BypassedBy:
		if control.Bypass == nil {
			return nil, errors.New("store: BypassedBy tip control requires a bypass envelope")
		}
		tip = control.Bypass
	default:
		t, err := s.GetTipForUserByKey(key)
		if err != nil {
			return nil, err
		}
		tip = t
	}

	// Consuming the tip's committed secret and allocating the next one
	// happen in a single transaction (store.ConsumeAndRotateNonce) so the
	// two steps can't be split by a crash or error -- spec.md section
	// 4.B step 4 warns that splitting them risks leaking a nonce.
	signingSecret, nextNonce, err := s.ConsumeAndRotateNonce(key, tip.Header.NextNonce)
	if err != nil {
		return nil, err
	}

	child := envelope.NewChild(tip, nextNonce, tips, msg, time.Now().UnixMilli())

	var pn envelope.PrecommittedNonce
	pn.Secret = signingSecret
	copy(pn.Public[:], tip.Header.NextNonce[:])

	signed, err := envelope.Sign(child, signingKey, pn)
	if err != nil {
		return nil, err
	}
	return signed, nil
}
