package envelope

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Authentication failure reasons. Kept as a sentinel-per-cause set (rather
// than one generic error) so callers can distinguish "this envelope is
// junk" from "this envelope is well-formed but the signature doesn't
// check out" without string matching.
var (
	ErrNoSignature         = errors.New("envelope: unsigned, cannot authenticate")
	ErrValidation          = errors.New("envelope: signature does not verify")
	ErrHashing             = errors.New("envelope: canonical hash computation failed")
	ErrMissingAncestors    = errors.New("envelope: non-genesis envelope has no ancestors")
	ErrNoAncestorsForGenesis = errors.New("envelope: genesis envelope must not carry ancestors")
)

// Authenticated is a capability wrapper: the only way to obtain one is
// through Authenticate, so a function that accepts Authenticated[*Envelope]
// instead of *Envelope is statically guaranteed its argument already
// passed signature and structural checks. This stands in for the type-state
// pattern the original Rust implementation expresses with a phantom marker
// (original_source/common/attest-messages/src/lib.rs).
type Authenticated[T any] struct {
	inner T
}

// Get returns the wrapped value.
func (a Authenticated[T]) Get() T {
	return a.inner
}

func newAuthenticated[T any](v T) Authenticated[T] {
	return Authenticated[T]{inner: v}
}

// Authenticate performs the full self-contained check a receiver can run
// without touching storage: structural ancestor/genesis consistency, then
// schnorr signature verification over the envelope's redacted canonical
// hash. It does not check chain continuity (prev_msg linkage, nonce
// commitment honesty) -- those require the store and are the caller's
// responsibility once the envelope is authenticated.
func Authenticate(e *Envelope) (Authenticated[*Envelope], error) {
	var zero Authenticated[*Envelope]

	sig := e.Header.Unsigned.Signature
	if sig == nil {
		return zero, ErrNoSignature
	}

	isGenesis := e.Header.Ancestors == nil
	if isGenesis && e.Header.Height != 0 {
		return zero, ErrMissingAncestors
	}
	if !isGenesis && e.Header.Height == 0 {
		return zero, ErrNoAncestorsForGenesis
	}

	unsigned := e.Clone()
	unsigned.Header.Unsigned.Signature = nil
	unsigned.invalidateCache()
	digest, err := unsigned.computeHashChecked()
	if err != nil {
		return zero, ErrHashing
	}

	pub, err := schnorr.ParsePubKey(e.Header.Key[:])
	if err != nil {
		return zero, ErrValidation
	}
	parsedSig, err := schnorrSigFromEnvelope(*sig)
	if err != nil {
		return zero, ErrValidation
	}
	if !parsedSig.Verify(digest[:], pub) {
		return zero, ErrValidation
	}

	return newAuthenticated(e), nil
}

func (e *Envelope) computeHashChecked() (h Hash, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrHashing
		}
	}()
	h = e.CanonicalHash()
	return h, nil
}
