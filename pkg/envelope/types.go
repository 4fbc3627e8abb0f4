// Copyright 2025 Certen Protocol
//
// Package envelope implements the authenticated, append-only per-author
// message chain at the core of the attestation network: canonical
// serialization, schnorr signing with pre-committed nonces, and the
// genesis/ancestor invariants that let a receiver self-authenticate an
// envelope without touching storage.
package envelope

import (
	"encoding/json"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Hash is the canonical SHA-256 hash of an envelope in some signature
// state. GenesisHash is the all-zero sentinel used as the ancestor of a
// height-0 envelope.
type Hash [32]byte

// GenesisHash is the distinguished ancestor sentinel for height-0 envelopes.
var GenesisHash Hash

// IsGenesis reports whether h is the all-zero sentinel.
func (h Hash) IsGenesis() bool {
	return h == GenesisHash
}

func (h Hash) String() string {
	return hexEncode(h[:])
}

// MarshalJSON renders the hash as a lowercase hex string, matching the
// wire representation produced by the original Rust implementation's
// sha256::Hash Display/Serialize impl.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(hexEncode(h[:]))
}

// UnmarshalJSON parses a lowercase (or uppercase) hex string into a Hash.
func (h *Hash) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	raw, err := hexDecode(s)
	if err != nil {
		return err
	}
	if len(raw) != 32 {
		return errors.New("envelope: hash must be 32 bytes")
	}
	copy(h[:], raw)
	return nil
}

// PublicNonce is the x-only public point of a pre-committed schnorr nonce,
// published in a header as the commitment to the *next* envelope's R value.
type PublicNonce [32]byte

func (n PublicNonce) MarshalJSON() ([]byte, error) {
	return json.Marshal(hexEncode(n[:]))
}

func (n *PublicNonce) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	raw, err := hexDecode(s)
	if err != nil {
		return err
	}
	if len(raw) != 32 {
		return errors.New("envelope: public nonce must be 32 bytes")
	}
	copy(n[:], raw)
	return nil
}

// Key is an author's 32-byte schnorr x-only public key.
type Key [32]byte

func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(hexEncode(k[:]))
}

func (k *Key) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	raw, err := hexDecode(s)
	if err != nil {
		return err
	}
	if len(raw) != 32 {
		return errors.New("envelope: key must be 32 bytes")
	}
	copy(k[:], raw)
	return nil
}

func (k Key) String() string { return hexEncode(k[:]) }

// Tip is an observed (author, height, hash) triple carried in a header's
// tips set -- a snapshot of what the author had seen from other chains.
type Tip struct {
	Key    Key  `json:"key"`
	Height int64 `json:"height"`
	Hash   Hash `json:"hash"`
}

// Ancestors links a non-genesis envelope to its immediate parent and to
// its author's genesis envelope.
type Ancestors struct {
	PrevMsg Hash `json:"prev_msg"`
	Genesis Hash `json:"genesis"`
}

// Signature is a 64-byte BIP340 schnorr signature: the first 32 bytes are
// the public nonce R, the next 32 are s.
type Signature [64]byte

func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(hexEncode(s[:]))
}

func (s *Signature) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	raw, err := hexDecode(str)
	if err != nil {
		return err
	}
	if len(raw) != 64 {
		return errors.New("envelope: signature must be 64 bytes")
	}
	copy(s[:], raw)
	return nil
}

// R returns the public-nonce half of the signature.
func (s Signature) R() PublicNonce {
	var r PublicNonce
	copy(r[:], s[:32])
	return r
}

// Unsigned holds the (possibly absent) signature field. It is cleared
// before hashing so signing and authentication operate over the same
// "redacted" canonical form.
type Unsigned struct {
	Signature *Signature `json:"signature,omitempty"`
}

// Header is everything about an envelope except the application payload.
type Header struct {
	Key         Key       `json:"key"`
	NextNonce   PublicNonce `json:"next_nonce"`
	Ancestors   *Ancestors `json:"ancestors,omitempty"`
	Tips        []Tip     `json:"tips,omitempty"`
	Height      int64     `json:"height"`
	SentTimeMs  int64     `json:"sent_time_ms"`
	Unsigned    Unsigned  `json:"unsigned"`
	Checkpoints json.RawMessage `json:"checkpoints,omitempty"`
}

// Envelope is the atomic unit of the attestation network: a header plus an
// opaque, author-defined canonical JSON payload.
type Envelope struct {
	Header Header          `json:"header"`
	Msg    json.RawMessage `json:"msg"`

	cache   *Hash
	hasCache bool
}

// Clone returns a deep copy of e, safe to mutate independently (used by
// Sign and Authenticate, which must not perturb the caller's copy).
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Header.Ancestors != nil {
		a := *e.Header.Ancestors
		c.Header.Ancestors = &a
	}
	if e.Header.Tips != nil {
		c.Header.Tips = append([]Tip(nil), e.Header.Tips...)
	}
	if e.Header.Unsigned.Signature != nil {
		sig := *e.Header.Unsigned.Signature
		c.Header.Unsigned.Signature = &sig
	}
	if e.Header.Checkpoints != nil {
		c.Header.Checkpoints = append(json.RawMessage(nil), e.Header.Checkpoints...)
	}
	if e.Msg != nil {
		c.Msg = append(json.RawMessage(nil), e.Msg...)
	}
	return &c
}

// GenesisHash returns the hash of the chain this envelope belongs to: its
// own hash if it is itself the genesis, otherwise the genesis field of its
// ancestors.
func (e *Envelope) GenesisHash() Hash {
	if e.Header.Ancestors != nil {
		return e.Header.Ancestors.Genesis
	}
	return e.CanonicalHash()
}

// ExtractUsedNonce returns the public nonce R consumed by this envelope's
// signature, or false if unsigned.
func (e *Envelope) ExtractUsedNonce() (PublicNonce, bool) {
	if e.Header.Unsigned.Signature == nil {
		return PublicNonce{}, false
	}
	return e.Header.Unsigned.Signature.R(), true
}

// ExtractSigS returns the s-half of this envelope's signature.
func (e *Envelope) ExtractSigS() ([32]byte, bool) {
	var s [32]byte
	if e.Header.Unsigned.Signature == nil {
		return s, false
	}
	copy(s[:], e.Header.Unsigned.Signature[32:64])
	return s, true
}

// schnorrSigFromEnvelope parses the 64-byte raw signature into btcec's
// schnorr.Signature type.
func schnorrSigFromEnvelope(sig Signature) (*schnorr.Signature, error) {
	return schnorr.ParseSignature(sig[:])
}
