package pipeline

import (
	"context"
	"math/rand"
	"time"

	"github.com/attestmesh/node/pkg/envelope"
)

// RunTipFetcher is the latest-tip fetcher task from spec.md section 4.D:
// periodically, randomized around rate, ask the peer for its latest tips
// and forward the batch to the processor. It returns when ctx is
// cancelled or a request fails -- the supervisor treats either as this
// peer's fetch side needing a respawn.
func RunTipFetcher(ctx context.Context, client *peerClient, rate time.Duration, out chan<- []*envelope.Envelope) error {
	for {
		wait := jitter(rate)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}

		envs, err := client.LatestTips(ctx)
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

// jitter returns a duration randomized within +/-25% of rate, the
// "randomized around tip_fetch_rate" spec.md calls for -- spreading out
// simultaneous peers so they don't all poll in lockstep.
func jitter(rate time.Duration) time.Duration {
	if rate <= 0 {
		return 0
	}
	spread := float64(rate) * 0.25
	delta := (rand.Float64()*2 - 1) * spread
	return rate + time.Duration(delta)
}
