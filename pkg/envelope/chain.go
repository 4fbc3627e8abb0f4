package envelope

import (
	"encoding/json"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// NewGenesis builds the unsigned height-0 envelope for a fresh author
// chain: no ancestors, msg carries the caller's application payload, and
// next_nonce commits to the nonce that the *next* envelope must sign with.
func NewGenesis(key Key, nextNonce PublicNonce, msg json.RawMessage, sentTimeMs int64) *Envelope {
	return &Envelope{
		Header: Header{
			Key:        key,
			NextNonce:  nextNonce,
			Ancestors:  nil,
			Height:     0,
			SentTimeMs: sentTimeMs,
		},
		Msg: msg,
	}
}

// NewChild builds the unsigned height-(parent.Height+1) envelope extending
// parent: ancestors.prev_msg is parent's signed hash, ancestors.genesis is
// carried over unchanged, and next_nonce commits to the nonce the envelope
// after this one must use.
func NewChild(parent *Envelope, nextNonce PublicNonce, tips []Tip, msg json.RawMessage, sentTimeMs int64) *Envelope {
	return &Envelope{
		Header: Header{
			Key:       parent.Header.Key,
			NextNonce: nextNonce,
			Ancestors: &Ancestors{
				PrevMsg: parent.CanonicalHash(),
				Genesis: parent.GenesisHash(),
			},
			Tips:       tips,
			Height:     parent.Header.Height + 1,
			SentTimeMs: sentTimeMs,
		},
		Msg: msg,
	}
}

// KeyFromPrivate derives the x-only public Key for a secp256k1 private key.
func KeyFromPrivate(priv *btcec.PrivateKey) Key {
	var k Key
	copy(k[:], schnorr.SerializePubKey(priv.PubKey()))
	return k
}
