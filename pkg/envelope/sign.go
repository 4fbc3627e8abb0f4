package envelope

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Sign produces a signed copy of e: the unsigned.signature field is
// cleared, the canonical hash of that redacted form is computed and
// schnorr-signed with key, forcing the supplied precommitted nonce rather
// than letting the library derive one, and the resulting signature is
// installed. The returned envelope's CanonicalHash reflects the signed
// form -- the envelope's permanent identity.
//
// Forcing nonce mirrors the original implementation's use of
// secp256k1_schnorrsig_sign_custom with a caller-supplied nonce function
// (original_source/common/attest-messages/src/nonce.rs): the point of a
// precommitted nonce is that its public half was already published in the
// previous envelope, so callers must not let a fresh one be chosen here.
func Sign(e *Envelope, key *btcec.PrivateKey, nonce PrecommittedNonce) (*Envelope, error) {
	signed := e.Clone()
	signed.Header.Unsigned.Signature = nil
	signed.invalidateCache()

	digest := signed.CanonicalHash()

	// BIP340 with the nonce scalar fixed to nonce.Secret: s = k + e*d.
	var d, k, s btcec.ModNScalar
	d.Set(&key.Key)
	if key.PubKey().SerializeCompressed()[0] == 0x03 {
		d.Negate()
	}
	if overflow := k.SetBytes(&nonce.Secret); overflow != 0 || k.IsZero() {
		return nil, errors.New("envelope: invalid precommitted nonce secret")
	}
	var r btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&k, &r)
	r.ToAffine()
	if r.Y.IsOdd() {
		k.Negate()
	}
	s.SetByteSlice(chainhash.TaggedHash(bip340ChallengeTag, r.X.Bytes()[:], signed.Header.Key[:], digest[:])[:])
	sig := schnorr.NewSignature(&r.X, s.Mul(&d).Add(&k))

	var raw Signature
	copy(raw[:], sig.Serialize())
	signed.Header.Unsigned.Signature = &raw
	signed.invalidateCache()
	signed.CanonicalHash()

	return signed, nil
}
