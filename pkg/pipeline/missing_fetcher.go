package pipeline

import (
	"context"

	"github.com/attestmesh/node/pkg/envelope"
)

// RunMissingFetcher is the missing-envelope fetcher task from spec.md
// section 4.D: it consumes hash batches (shortfalls the processor
// identified), leases the subset not already being chased by another
// peer's fetcher, requests exactly those from this peer, and forwards
// whatever comes back to the processor. Leases are released once the
// round trip completes, whether it succeeded or not, so a failed peer
// does not permanently starve retries from other peers.
func RunMissingFetcher(ctx context.Context, client *peerClient, leases *leaseSet, in <-chan []envelope.Hash, out chan<- []*envelope.Envelope) error {
	for {
		var batch []envelope.Hash
		select {
		case batch = <-in:
		case <-ctx.Done():
			return ctx.Err()
		}

		fresh := leases.TryLease(batch)
		if len(fresh) == 0 {
			continue
		}

		envs, err := client.SpecificTips(ctx, fresh)
		leases.Release(fresh)
		if err != nil {
			return err
		}
		if len(envs) == 0 {
			continue
		}

		select {
		case out <- envs:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
