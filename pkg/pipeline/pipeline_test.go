package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/attestmesh/node/pkg/envelope"
	"github.com/attestmesh/node/pkg/store"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/rs/zerolog"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := store.DefaultConfig(t.TempDir() + "/store.db")
	s, err := store.Open(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func signedGenesis(t *testing.T, priv *btcec.PrivateKey) *envelope.Envelope {
	t.Helper()
	nonce, err := envelope.GenerateNonce()
	if err != nil {
		t.Fatalf("generate nonce: %v", err)
	}
	key := envelope.KeyFromPrivate(priv)
	e := envelope.NewGenesis(key, nonce.Public, json.RawMessage(`{"hello":"world"}`), time.Now().UnixMilli())

	signNonce, err := envelope.GenerateNonce()
	if err != nil {
		t.Fatalf("generate sign nonce: %v", err)
	}
	signed, err := envelope.Sign(e, priv, signNonce)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestProcessorAcceptsGenesisWhenUnsolicitedAllowed(t *testing.T) {
	s := openTestStore(t)
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	genesis := signedGenesis(t, priv)

	missing := make(chan []envelope.Hash, 1)
	proc := NewProcessor(s, true, "test-peer", missing)

	if err := proc.ProcessBatch(context.Background(), []*envelope.Envelope{genesis}); err != nil {
		t.Fatalf("process batch: %v", err)
	}

	key := envelope.KeyFromPrivate(priv)
	tip, err := s.GetTipForUserByKey(key)
	if err != nil {
		t.Fatalf("get tip: %v", err)
	}
	if tip.CanonicalHash() != genesis.CanonicalHash() {
		t.Fatal("stored tip does not match genesis envelope")
	}
}

func TestProcessorDropsUnsolicitedGenesisWhenDisallowed(t *testing.T) {
	s := openTestStore(t)
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	genesis := signedGenesis(t, priv)

	missing := make(chan []envelope.Hash, 1)
	proc := NewProcessor(s, false, "test-peer", missing)

	if err := proc.ProcessBatch(context.Background(), []*envelope.Envelope{genesis}); err != nil {
		t.Fatalf("process batch: %v", err)
	}

	key := envelope.KeyFromPrivate(priv)
	if _, err := s.GetTipForUserByKey(key); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound for disallowed unsolicited genesis, got %v", err)
	}
}

func TestLeaseSetDedupsConcurrentRequests(t *testing.T) {
	ls := newLeaseSet()
	var h envelope.Hash
	h[0] = 1

	fresh1 := ls.TryLease([]envelope.Hash{h})
	if len(fresh1) != 1 {
		t.Fatalf("expected first lease to succeed, got %v", fresh1)
	}

	fresh2 := ls.TryLease([]envelope.Hash{h})
	if len(fresh2) != 0 {
		t.Fatalf("expected second lease to be suppressed, got %v", fresh2)
	}

	ls.Release([]envelope.Hash{h})

	fresh3 := ls.TryLease([]envelope.Hash{h})
	if len(fresh3) != 1 {
		t.Fatalf("expected lease to succeed again after release, got %v", fresh3)
	}
}
