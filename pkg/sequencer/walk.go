package sequencer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/attestmesh/node/pkg/envelope"
	"github.com/attestmesh/node/pkg/store"
)

// Handlers are the application callbacks the chain walker invokes for
// each broadcast kind, per spec.md section 4.E points 2-4.
type Handlers struct {
	// OnGameSetup is invoked once, for the first GameSetup message seen.
	OnGameSetup func(setup json.RawMessage)
	// OnNewPeer upserts the announced peer's connection policy.
	OnNewPeer func(peer HostPeer) error
}

// RunChainWalker walks hostKey's chain by height starting at 0, blocking
// on the store's new-envelope notifier whenever the next height is not
// yet present, and emits every Sequence broadcast's hashes onto out in
// chain order. It returns only on error or context cancellation: crash
// recovery is "read hostKey's chain from the store again starting at 0",
// so callers do not need to persist any cursor of their own.
func RunChainWalker(ctx context.Context, s *store.Store, hostKey envelope.Key, handlers Handlers, out chan<- envelope.Hash) error {
	height := int64(0)
	sawGameSetup := false

	for {
		e, err := waitForHeight(ctx, s, hostKey, height)
		if err != nil {
			return err
		}

		var msg BroadcastByHost
		if err := json.Unmarshal(e.Msg, &msg); err != nil {
			return fmt.Errorf("sequencer: decoding broadcast at height %d: %w", height, err)
		}

		switch msg.Kind {
		case BroadcastGameSetup:
			if !sawGameSetup && handlers.OnGameSetup != nil && msg.GameSetup != nil {
				handlers.OnGameSetup(*msg.GameSetup)
			}
			sawGameSetup = true
		case BroadcastNewPeer:
			if msg.NewPeer != nil && handlers.OnNewPeer != nil {
				if err := handlers.OnNewPeer(*msg.NewPeer); err != nil {
					return fmt.Errorf("sequencer: handling new_peer at height %d: %w", height, err)
				}
			}
		case BroadcastSequence:
			for _, h := range msg.Sequence {
				select {
				case out <- h:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		case BroadcastHeartbeat:
			// no state change; counted by advancing height below.
		}

		height++
	}
}

// waitForHeight returns hostKey's envelope at the given height, blocking
// on the store's notifier until it is present. The channel is captured
// before the check for the same reason waitForEnvelope captures it first
// (see its comment): checking, then calling Wait(), can be handed a
// channel armed strictly after the insert that satisfied the check
// already broadcast, deadlocking the chain walker even though the
// envelope is sitting in the store.
func waitForHeight(ctx context.Context, s *store.Store, hostKey envelope.Key, height int64) (*envelope.Envelope, error) {
	for {
		ch := s.Notifier().Wait()

		e, err := s.GetTipForUserByKey(hostKey)
		if err == nil && e.Header.Height >= height {
			if e.Header.Height == height {
				return e, nil
			}
			// The tip has moved past height; walk back via ancestors is
			// unnecessary here since GetConnectedMessagesNewerThan (height-1)
			// returns every intervening envelope in order.
			envs, err := s.GetConnectedMessagesNewerThan([]store.TipQuery{{Genesis: e.GenesisHash(), Height: height - 1}})
			if err != nil {
				return nil, err
			}
			for _, candidate := range envs {
				if candidate.Header.Height == height {
					return candidate, nil
				}
			}
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
