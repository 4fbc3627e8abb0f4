package sequencer

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
	s, err := store.Open(store.DefaultConfig(t.TempDir()+"/store.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type chain struct {
	priv *btcec.PrivateKey
	key  envelope.Key
	tip  *envelope.Envelope
	next envelope.PrecommittedNonce
}

func newChain(t *testing.T) *chain {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	return &chain{priv: priv, key: envelope.KeyFromPrivate(priv)}
}

func (c *chain) append(t *testing.T, s *store.Store, msg interface{}) *envelope.Envelope {
	t.Helper()
	signed := c.buildChild(t, msg)
	c.insert(t, s, signed)
	return signed
}

func TestChainWalkerEmitsSequenceHashesInOrder(t *testing.T) {
	s := openTestStore(t)
	host := newChain(t)

	leaf := host.append(t, s, map[string]interface{}{"leaf": true})
	setup := json.RawMessage(`{"board":"initial"}`)
	host.append(t, s, BroadcastByHost{Kind: BroadcastGameSetup, GameSetup: &setup})
	host.append(t, s, BroadcastByHost{Kind: BroadcastSequence, Sequence: []envelope.Hash{leaf.CanonicalHash()}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := make(chan envelope.Hash, 8)
	var gameSetups int
	handlers := Handlers{OnGameSetup: func(json.RawMessage) { gameSetups++ }}

	done := make(chan error, 1)
	go func() { done <- RunChainWalker(ctx, s, host.key, handlers, out) }()

	select {
	case h := <-out:
		if h != leaf.CanonicalHash() {
			t.Fatalf("unexpected emitted hash: %x", h)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for sequence hash")
	}

	cancel()
	<-done

	if gameSetups != 1 {
		t.Fatalf("expected exactly one game setup callback, got %d", gameSetups)
	}
}

// buildChild signs the chain's next envelope without inserting it, so a
// test can control exactly when the insert happens relative to a
// concurrent waiter.
func (c *chain) buildChild(t *testing.T, msg interface{}) *envelope.Envelope {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal msg: %v", err)
	}
	nextNonce, err := envelope.GenerateNonce()
	if err != nil {
		t.Fatalf("generate next nonce: %v", err)
	}

	var unsigned *envelope.Envelope
	var signNonce envelope.PrecommittedNonce
	if c.tip == nil {
		unsigned = envelope.NewGenesis(c.key, nextNonce.Public, body, time.Now().UnixMilli())
		n, err := envelope.GenerateNonce()
		if err != nil {
			t.Fatalf("generate sign nonce: %v", err)
		}
		signNonce = n
	} else {
		unsigned = envelope.NewChild(c.tip, nextNonce.Public, nil, body, time.Now().UnixMilli())
		signNonce = c.next
	}

	signed, err := envelope.Sign(unsigned, c.priv, signNonce)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	c.next = nextNonce
	c.tip = signed
	return signed
}

// insert stores signed and, for a non-genesis envelope, runs AttachTips
// so its connected flag propagates -- mirroring the only two production
// callers that insert then read back connected state (pkg/pipeline's
// envelope processor calls AttachTips after every batch; without it the
// store's connectedness stays exactly as inserted, by design).
func (c *chain) insert(t *testing.T, s *store.Store, signed *envelope.Envelope) {
	t.Helper()
	auth, err := envelope.Authenticate(signed)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if signed.Header.Ancestors == nil {
		if _, err := s.InsertUserByGenesis("host", auth); err != nil {
			t.Fatalf("insert genesis: %v", err)
		}
		return
	}
	if err := s.TryInsertAuthenticated(auth); err != nil {
		t.Fatalf("insert child: %v", err)
	}
	if _, err := s.AttachTips(); err != nil {
		t.Fatalf("attach tips: %v", err)
	}
}

// TestWaitForEnvelopeDoesNotMissConcurrentInsert guards against the lost-
// wakeup race where waitForEnvelope checks presence, then only afterwards
// calls Notifier().Wait() -- an insert landing in between closes a
// channel the waiter never held and arms a fresh one, leaving the waiter
// blocked forever on an envelope that is already stored. The channel must
// be captured before the presence check.
func TestWaitForEnvelopeDoesNotMissConcurrentInsert(t *testing.T) {
	s := openTestStore(t)
	author := newChain(t)
	leaf := author.buildChild(t, map[string]interface{}{"leaf": true})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result := make(chan *envelope.Envelope, 1)
	errs := make(chan error, 1)
	go func() {
		e, err := waitForEnvelope(ctx, s, leaf.CanonicalHash())
		if err != nil {
			errs <- err
			return
		}
		result <- e
	}()

	// Give the waiter a chance to run its first presence check and start
	// blocking before the insert it's waiting for actually happens.
	time.Sleep(20 * time.Millisecond)
	author.insert(t, s, leaf)

	select {
	case e := <-result:
		if e.CanonicalHash() != leaf.CanonicalHash() {
			t.Fatal("waitForEnvelope returned the wrong envelope")
		}
	case err := <-errs:
		t.Fatalf("waitForEnvelope failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("waitForEnvelope did not observe the concurrent insert (lost-wakeup race)")
	}
}

// TestWaitForHeightDoesNotMissConcurrentInsert is waitForHeight's analogue
// of the above: the host's next height is inserted concurrently with the
// wait rather than before it starts.
func TestWaitForHeightDoesNotMissConcurrentInsert(t *testing.T) {
	s := openTestStore(t)
	host := newChain(t)
	genesis := host.buildChild(t, map[string]interface{}{"height": 0})
	host.insert(t, s, genesis)
	next := host.buildChild(t, map[string]interface{}{"height": 1})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result := make(chan *envelope.Envelope, 1)
	errs := make(chan error, 1)
	go func() {
		e, err := waitForHeight(ctx, s, host.key, 1)
		if err != nil {
			errs <- err
			return
		}
		result <- e
	}()

	time.Sleep(20 * time.Millisecond)
	host.insert(t, s, next)

	select {
	case e := <-result:
		if e.CanonicalHash() != next.CanonicalHash() {
			t.Fatal("waitForHeight returned the wrong envelope")
		}
	case err := <-errs:
		t.Fatalf("waitForHeight failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("waitForHeight did not observe the concurrent insert (lost-wakeup race)")
	}
}

func TestQueueDrainAndDeserializerRoundTrip(t *testing.T) {
	s := openTestStore(t)
	author := newChain(t)
	leaf := author.append(t, s, map[string]interface{}{"move": "up"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	hashes := make(chan envelope.Hash, 1)
	envs := make(chan *envelope.Envelope, 1)
	moves := make(chan Move, 1)

	go RunQueueDrain(ctx, s, hashes, envs)
	go RunDeserializer(ctx, envs, moves)

	hashes <- leaf.CanonicalHash()

	select {
	case m := <-moves:
		if m.Author != author.key {
			t.Fatal("move author mismatch")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for deserialized move")
	}
}
