package litigator

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// signPSBT parses a base64-encoded PSBT, adds a taproot key-spend
// signature for each of keys to the matching input, and returns the
// re-serialized, still-base64, PSBT plus whether any signature was
// actually added (the original compares the signed packet against the
// input and treats "unchanged" as "nothing to do", not an error --
// see process_psbt_fail_ok's `if signed == psbt { return OK_T }`).
func signPSBT(b64 string, keys []*btcec.PrivateKey, net *chaincfg.Params) (string, bool, error) {
	if len(keys) == 0 {
		return b64, false, nil
	}

	packet, err := psbt.NewFromRawBytes(bytes.NewReader([]byte(b64)), true)
	if err != nil {
		return "", false, fmt.Errorf("litigator: parsing psbt: %w", err)
	}

	tx := packet.UnsignedTx
	prevOuts := make(map[int]*txOut, len(packet.Inputs))
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range packet.Inputs {
		if in.WitnessUtxo == nil {
			continue
		}
		prevOuts[i] = &txOut{pkScript: in.WitnessUtxo.PkScript, value: in.WitnessUtxo.Value}
		fetcher.AddPrevOut(tx.TxIn[i].PreviousOutPoint, in.WitnessUtxo)
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	changed := false

	for i := range packet.Inputs {
		out, ok := prevOuts[i]
		if !ok {
			continue
		}
		for _, priv := range keys {
			pub := priv.PubKey()
			xonly := schnorr.SerializePubKey(pub)
			if !bytes.Contains(out.pkScript, xonly) {
				continue
			}
			sig, err := txscript.RawTxInTaprootSignature(
				tx, sigHashes, i, out.value, out.pkScript, nil,
				txscript.SigHashType(txscript.SigHashAll|txscript.SigHashAnyOneCanPay), priv,
			)
			if err != nil {
				return "", false, fmt.Errorf("litigator: taproot sign input %d: %w", i, err)
			}
			packet.Inputs[i].TaprootKeySpendSig = sig
			changed = true
		}
	}

	if !changed {
		return b64, false, nil
	}

	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return "", false, fmt.Errorf("litigator: serializing signed psbt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), true, nil
}

type txOut struct {
	pkScript []byte
	value    int64
}

// psbtHash is the hex SHA-256 of the signed PSBT's base64 text, the
// hash spec.md section 4.G's unique tag ("psbt_hash:<hash>") embeds.
func psbtHash(b64 string) string {
	sum := sha256.Sum256([]byte(b64))
	return hex.EncodeToString(sum[:])
}
