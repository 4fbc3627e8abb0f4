package litigator

import (
	"crypto/hmac"
	"crypto/sha512"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

// deriveSigningKey mirrors the original litigator's AutoBroadcast
// signing-key construction (litigator_event_log.rs's
// extract_keys_for_simp): each raw secp256k1 secret destined to sign a
// PSBT input is wrapped in a depth-0 BIP32 extended private key before
// use. This is not a real derivation -- depth, child number and parent
// fingerprint are all zero in the original, so the extended key's own
// private_key field is the caller's raw secret unchanged -- it exists
// only because the signing pipeline downstream is typed over
// ExtendedPrivKey. The chain code is HMAC-SHA512 over the raw secret,
// truncated to 32 bytes: "garbage", in the original's own comment,
// present only to satisfy the extended-key encoding.
func deriveSigningKey(secret [32]byte, net *chaincfg.Params) (*btcec.PrivateKey, error) {
	priv, _ := btcec.PrivKeyFromBytes(secret[:])

	mac := hmac.New(sha512.New, priv.Serialize())
	mac.Write([]byte("attestmesh/litigator/chaincode"))
	sum := mac.Sum(nil)
	chainCode := sum[32:]

	extended := hdkeychain.NewExtendedKey(
		net.HDPrivateKeyID[:],
		priv.Serialize(),
		chainCode,
		[]byte{0, 0, 0, 0},
		0,
		0,
		true,
	)
	return extended.ECPrivKey()
}

// resolveSigningKeys walks a PendingPSBT's signer roles and returns the
// secp256k1 private keys this node can sign with, per spec.md section
// 4.G's "derive the signing keys per the PSBT's AutoBroadcast role
// metadata". Roles this node has no key for are silently skipped -- a
// PSBT may require co-signers this node does not represent.
func resolveSigningKeys(p PendingPSBT, keys KeyProvider, net *chaincfg.Params) ([]*btcec.PrivateKey, error) {
	var out []*btcec.PrivateKey
	for _, role := range p.Roles {
		if !role.Sign || !role.SignAll {
			continue
		}
		secret, ok := keys.SecretFor(role.Key)
		if !ok {
			continue
		}
		priv, err := deriveSigningKey(secret, net)
		if err != nil {
			return nil, err
		}
		out = append(out, priv)
	}
	return out, nil
}
