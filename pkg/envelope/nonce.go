package envelope

import (
	"crypto/rand"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// PrecommittedNonce is a signer-held secret scalar together with the public
// point it was derived from. The public half is published in the
// *previous* envelope's header.next_nonce; the secret half is held back
// until the envelope that must use it is signed, which is what makes the
// nonce "pre-committed" -- a receiver can tell, after the fact, whether the
// signature actually used the nonce it had been promised.
type PrecommittedNonce struct {
	Secret [32]byte
	Public PublicNonce
}

// GenerateNonce draws a fresh secp256k1 scalar and returns it together with
// its x-only public point, matching the original implementation's
// generate_precommitted_nonce (original_source/common/attest-messages/src/nonce.rs).
func GenerateNonce() (PrecommittedNonce, error) {
	var secret [32]byte
	for {
		if _, err := rand.Read(secret[:]); err != nil {
			return PrecommittedNonce{}, err
		}
		priv, pub := btcec.PrivKeyFromBytes(secret[:])
		if priv == nil {
			continue
		}
		var pn PrecommittedNonce
		pn.Secret = secret
		copy(pn.Public[:], schnorr.SerializePubKey(pub))
		return pn, nil
	}
}

// ErrNonceMismatch reports that a signature's R value does not match the
// nonce that was promised in the prior envelope.
var ErrNonceMismatch = errors.New("envelope: signature did not use the precommitted nonce")
