package pipeline

import (
	"context"
	"time"

	"github.com/attestmesh/node/pkg/envelope"
	"github.com/attestmesh/node/pkg/store"
)

// RunPusher is the push_to side of spec.md section 4.D: periodically poll
// the peer's LatestTips, fold them into genesis -> highest-known-tip-by-
// peer, and on any change push the envelopes the local store has that the
// peer doesn't.
func RunPusher(ctx context.Context, client *peerClient, s *store.Store, rate time.Duration) error {
	peerTips := make(map[envelope.Hash]int64)

	for {
		select {
		case <-time.After(jitter(rate)):
		case <-ctx.Done():
			return ctx.Err()
		}

		tips, err := client.LatestTips(ctx)
		if err != nil {
			return err
		}

		changed := foldTips(peerTips, tips)
		if !changed {
			continue
		}

		queries := make([]store.TipQuery, 0, len(peerTips))
		for genesis, height := range peerTips {
			queries = append(queries, store.TipQuery{Genesis: genesis, Height: height})
		}

		toPush, err := s.GetConnectedMessagesNewerThan(queries)
		if err != nil {
			return err
		}
		if len(toPush) == 0 {
			continue
		}

		if _, err := client.Post(ctx, toPush); err != nil {
			return err
		}
	}
}

// foldTips merges observed tips into the genesis -> highest-known-tip
// map, reporting whether anything changed.
func foldTips(peerTips map[envelope.Hash]int64, tips []*envelope.Envelope) bool {
	changed := false
	for _, e := range tips {
		genesis := e.GenesisHash()
		if h, ok := peerTips[genesis]; !ok || e.Header.Height > h {
			peerTips[genesis] = e.Header.Height
			changed = true
		}
	}
	return changed
}
