package envelope

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
)

// canonicalize round-trips v through a generic map/slice representation so
// that every object's keys are emitted in sorted order with no
// insignificant whitespace -- Go's encoding/json already sorts
// map[string]interface{} keys on Marshal, so decoding into a generic
// interface{} tree (preserving number literals via UseNumber) and
// re-marshaling gives a stable, encoder-independent byte sequence. This is
// the Go analogue of the original implementation's
// ruma_serde::to_canonical_value, which walks a BTreeMap.
func canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// CanonicalHash returns the SHA-256 hash of e's canonical JSON encoding,
// with the signature field in whatever state it currently holds. Signing
// computes this hash twice: once with the signature cleared (the message
// that gets signed) and once more after the signature is installed (the
// envelope's durable identity).
func (e *Envelope) CanonicalHash() Hash {
	if e.hasCache && e.cache != nil {
		return *e.cache
	}
	h := e.computeHash()
	e.cache = &h
	e.hasCache = true
	return h
}

func (e *Envelope) computeHash() Hash {
	canonical, err := canonicalize(e)
	if err != nil {
		// canonicalize only fails if json.Marshal fails, which cannot
		// happen for the envelope's own field types; a panic here
		// indicates a programming error, not a runtime condition.
		panic("envelope: canonicalization must succeed: " + err.Error())
	}
	return sha256.Sum256(canonical)
}

func (e *Envelope) invalidateCache() {
	e.cache = nil
	e.hasCache = false
}
