package sequencer

import (
	"context"

	"github.com/attestmesh/node/pkg/envelope"
	"github.com/attestmesh/node/pkg/store"
)

// RunQueueDrain is the companion task from spec.md section 4.E point 5:
// for each hash the chain walker emits, wait until the envelope is
// present locally (registering on the store's new-envelope notifier
// rather than polling), then emit the envelope itself in the same order
// the hashes arrived.
func RunQueueDrain(ctx context.Context, s *store.Store, hashes <-chan envelope.Hash, out chan<- *envelope.Envelope) error {
	for {
		var h envelope.Hash
		select {
		case h = <-hashes:
		case <-ctx.Done():
			return ctx.Err()
		}

		e, err := waitForEnvelope(ctx, s, h)
		if err != nil {
			return err
		}

		select {
		case out <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitForEnvelope blocks until h is present locally. The notifier channel
// is captured before the presence check, not after: Broadcast closes
// whatever channel was current at the time of the insert, so a waiter
// that only calls Wait() after finding the envelope absent can be handed
// a fresh channel armed after that Broadcast already fired, missing the
// wakeup for an envelope that is in fact already there. Capturing first
// means a concurrent insert either lands before the check (observed
// directly) or closes the very channel already being waited on.
func waitForEnvelope(ctx context.Context, s *store.Store, h envelope.Hash) (*envelope.Envelope, error) {
	for {
		ch := s.Notifier().Wait()

		envs, err := s.MessagesByHash([]envelope.Hash{h})
		if err != nil {
			return nil, err
		}
		if len(envs) == 1 {
			return envs[0], nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// RunDeserializer is the deserializer task from spec.md section 4.E
// point 6: map emitted envelopes to typed (move, author_key) pairs and
// forward them.
func RunDeserializer(ctx context.Context, in <-chan *envelope.Envelope, out chan<- Move) error {
	for {
		var e *envelope.Envelope
		select {
		case e = <-in:
		case <-ctx.Done():
			return ctx.Err()
		}

		move := Move{Data: append([]byte(nil), e.Msg...), Author: e.Header.Key}
		select {
		case out <- move:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
