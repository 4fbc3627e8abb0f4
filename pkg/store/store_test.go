package store

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/rs/zerolog"

	"github.com/attestmesh/node/pkg/envelope"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "attestmesh.db")
	s, err := Open(DefaultConfig(path), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newSignedGenesis signs a fresh genesis envelope for priv. The genesis
// envelope's own signing nonce has no predecessor to have committed it,
// so tests mint it directly rather than through the store; next_nonce,
// the commitment the *next* envelope must honor, is store-issued so that
// later WrapMessage/GetSecretForPublicNonce calls can find it.
func newSignedGenesis(t *testing.T, s *Store, priv *btcec.PrivateKey) *envelope.Envelope {
	t.Helper()
	key := envelope.KeyFromPrivate(priv)

	nonce, err := envelope.GenerateNonce()
	if err != nil {
		t.Fatalf("generate nonce: %v", err)
	}
	nextNonce, err := s.GenerateFreshNonce(key)
	if err != nil {
		t.Fatalf("generate next nonce: %v", err)
	}

	e := envelope.NewGenesis(key, nextNonce, json.RawMessage(`{"genesis":true}`), 0)
	signed, err := envelope.Sign(e, priv, nonce)
	if err != nil {
		t.Fatalf("sign genesis: %v", err)
	}
	return signed
}

func TestInsertUserByGenesisAndGetTip(t *testing.T) {
	s := openTestStore(t)
	priv, _ := btcec.NewPrivateKey()
	signed := newSignedGenesis(t, s, priv)

	auth, err := envelope.Authenticate(signed)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if _, err := s.InsertUserByGenesis("alice", auth); err != nil {
		t.Fatalf("insert user: %v", err)
	}

	tip, err := s.GetTipForUserByKey(signed.Header.Key)
	if err != nil {
		t.Fatalf("get tip: %v", err)
	}
	if tip.CanonicalHash() != signed.CanonicalHash() {
		t.Fatal("tip does not match inserted genesis envelope")
	}
}

func TestChainContinuityAcrossInserts(t *testing.T) {
	s := openTestStore(t)
	priv, _ := btcec.NewPrivateKey()
	key := envelope.KeyFromPrivate(priv)
	genesis := newSignedGenesis(t, s, priv)

	authGenesis, err := envelope.Authenticate(genesis)
	if err != nil {
		t.Fatalf("authenticate genesis: %v", err)
	}
	if _, err := s.InsertUserByGenesis("bob", authGenesis); err != nil {
		t.Fatalf("insert user: %v", err)
	}

	var last *envelope.Envelope = genesis
	for i := 0; i < 3; i++ {
		wrapped, err := s.WrapMessage(key, priv, json.RawMessage(`{"i":1}`), TipControl{Kind: NoTips})
		if err != nil {
			t.Fatalf("wrap message %d: %v", i, err)
		}
		auth, err := envelope.Authenticate(wrapped)
		if err != nil {
			t.Fatalf("authenticate wrapped %d: %v", i, err)
		}
		if err := s.TryInsertAuthenticated(auth); err != nil {
			t.Fatalf("insert wrapped %d: %v", i, err)
		}
		// The tip read by the next WrapMessage only sees connected rows.
		if _, err := s.AttachTips(); err != nil {
			t.Fatalf("attach tips %d: %v", i, err)
		}
		if wrapped.Header.Ancestors.PrevMsg != last.CanonicalHash() {
			t.Fatalf("envelope %d: prev_msg does not match previous tip", i)
		}
		last = wrapped
	}

	tip, err := s.GetTipForUserByKey(key)
	if err != nil {
		t.Fatalf("get tip: %v", err)
	}
	if tip.CanonicalHash() != last.CanonicalHash() {
		t.Fatal("final tip does not match last inserted envelope")
	}
}

func TestAttachTipsConnectsOutOfOrderInserts(t *testing.T) {
	s := openTestStore(t)
	priv, _ := btcec.NewPrivateKey()
	key := envelope.KeyFromPrivate(priv)
	genesis := newSignedGenesis(t, s, priv)

	authGenesis, err := envelope.Authenticate(genesis)
	if err != nil {
		t.Fatalf("authenticate genesis: %v", err)
	}

	// Build e1, e2 before inserting anything, so we can insert e2, e1, e0
	// out of order and confirm attach_tips connects all three (S2).
	e1Nonce, err := s.GenerateFreshNonce(key)
	if err != nil {
		t.Fatalf("generate nonce: %v", err)
	}
	e2Nonce, err := envelope.GenerateNonce()
	if err != nil {
		t.Fatalf("generate nonce: %v", err)
	}
	_ = e2Nonce

	genesisNonceSecret, err := s.GetSecretForPublicNonce(genesis.Header.NextNonce)
	if err != nil {
		t.Fatalf("consume genesis nonce: %v", err)
	}
	var pn1 envelope.PrecommittedNonce
	pn1.Secret = genesisNonceSecret
	copy(pn1.Public[:], genesis.Header.NextNonce[:])

	e2NextNonce, err := s.GenerateFreshNonce(key)
	if err != nil {
		t.Fatalf("generate nonce: %v", err)
	}
	e1 := envelope.NewChild(genesis, e1Nonce, nil, json.RawMessage(`{"h":1}`), 1)
	signedE1, err := envelope.Sign(e1, priv, pn1)
	if err != nil {
		t.Fatalf("sign e1: %v", err)
	}

	e1SecretNonce, err := s.GetSecretForPublicNonce(e1Nonce)
	if err != nil {
		t.Fatalf("consume e1 nonce: %v", err)
	}
	var pn2 envelope.PrecommittedNonce
	pn2.Secret = e1SecretNonce
	copy(pn2.Public[:], e1Nonce[:])

	e2 := envelope.NewChild(signedE1, e2NextNonce, nil, json.RawMessage(`{"h":2}`), 2)
	signedE2, err := envelope.Sign(e2, priv, pn2)
	if err != nil {
		t.Fatalf("sign e2: %v", err)
	}

	authE2, err := envelope.Authenticate(signedE2)
	if err != nil {
		t.Fatalf("authenticate e2: %v", err)
	}
	authE1, err := envelope.Authenticate(signedE1)
	if err != nil {
		t.Fatalf("authenticate e1: %v", err)
	}

	if err := s.TryInsertAuthenticated(authE2); err != nil {
		t.Fatalf("insert e2: %v", err)
	}
	if err := s.TryInsertAuthenticated(authE1); err != nil {
		t.Fatalf("insert e1: %v", err)
	}
	if _, err := s.InsertUserByGenesis("carol", authGenesis); err != nil {
		t.Fatalf("insert genesis: %v", err)
	}

	if _, err := s.AttachTips(); err != nil {
		t.Fatalf("attach tips: %v", err)
	}

	tip, err := s.GetTipForUserByKey(key)
	if err != nil {
		t.Fatalf("get tip: %v", err)
	}
	if tip.CanonicalHash() != signedE2.CanonicalHash() {
		t.Fatal("tip after attach_tips is not the tallest envelope")
	}
}
