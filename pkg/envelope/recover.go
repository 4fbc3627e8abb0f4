package envelope

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrDifferentNonce means the two envelopes were not signed with the
	// same public nonce R, so there is nothing to recover.
	ErrDifferentNonce = errors.New("envelope: signatures do not share the same R")
	// ErrIdenticalChallenge means the two envelopes produced the same
	// BIP340 challenge scalar -- recovery is undefined (division by zero).
	ErrIdenticalChallenge = errors.New("envelope: signatures have an identical challenge, nothing to recover")
)

var bip340ChallengeTag = []byte("BIP0340/challenge")

// RecoverKeyFromNonceReuse implements the key-extraction formula from
// spec.md section 4.A: given two envelopes by the same author that reused
// the same public nonce R for two different messages, recover the
// author's secret key as
//
//	x = (s1 - s2) * (d1 - d2)^-1 mod n
//
// where d_i is the BIP340 challenge hash of (R, pubkey, m_i). The result
// is the scalar BIP340 signs with for the x-only key: the original secret,
// or its negation when the original's public point has an odd Y. This is a
// diagnostic utility for proving equivocation by an attesting key, not
// something the network runs as part of normal processing.
func RecoverKeyFromNonceReuse(e1, e2 *Envelope) (*btcec.PrivateKey, error) {
	sig1 := e1.Header.Unsigned.Signature
	sig2 := e2.Header.Unsigned.Signature
	if sig1 == nil || sig2 == nil {
		return nil, ErrNoSignature
	}
	r1 := sig1.R()
	r2 := sig2.R()
	if r1 != r2 {
		return nil, ErrDifferentNonce
	}

	var s1, s2 btcec.ModNScalar
	if overflow := s1.SetByteSlice(sig1[32:64]); overflow {
		return nil, errors.New("envelope: s1 overflows curve order")
	}
	if overflow := s2.SetByteSlice(sig2[32:64]); overflow {
		return nil, errors.New("envelope: s2 overflows curve order")
	}

	d1, err := challengeScalar(e1, r1)
	if err != nil {
		return nil, err
	}
	d2, err := challengeScalar(e2, r2)
	if err != nil {
		return nil, err
	}
	if d1.Equals(&d2) {
		return nil, ErrIdenticalChallenge
	}

	sDiff := new(btcec.ModNScalar).Set(&s1)
	negS2 := new(btcec.ModNScalar).Set(&s2).Negate()
	sDiff.Add(negS2)

	dDiff := new(btcec.ModNScalar).Set(&d1)
	negD2 := new(btcec.ModNScalar).Set(&d2).Negate()
	dDiff.Add(negD2)
	dDiffInv := new(btcec.ModNScalar).Set(dDiff).InverseNonConst()

	x := new(btcec.ModNScalar).Set(sDiff).Mul(dDiffInv)

	xBytes := x.Bytes()
	priv, _ := btcec.PrivKeyFromBytes(xBytes[:])
	return priv, nil
}

// challengeScalar computes the BIP340 challenge d = H_tag(R || P || m) mod
// n for envelope e, whose signature's public-nonce half is r.
func challengeScalar(e *Envelope, r PublicNonce) (btcec.ModNScalar, error) {
	unsigned := e.Clone()
	unsigned.Header.Unsigned.Signature = nil
	unsigned.invalidateCache()
	digest, err := unsigned.computeHashChecked()
	if err != nil {
		return btcec.ModNScalar{}, ErrHashing
	}

	tagged := chainhash.TaggedHash(bip340ChallengeTag, r[:], e.Header.Key[:], digest[:])

	var d btcec.ModNScalar
	d.SetByteSlice(tagged[:])
	return d, nil
}
