package pipeline

import (
	"context"
	"errors"

	"github.com/attestmesh/node/pkg/envelope"
	"github.com/attestmesh/node/pkg/store"
)

// Processor is the envelope processor task from spec.md section 4.D: it
// authenticates and inserts inbound envelope batches, and after each batch
// computes tips-minus-known and forwards the shortfall hashes onward for
// the missing-envelope fetcher to chase down.
type Processor struct {
	store             *store.Store
	allowUnsolicited  bool
	peerLabel         string
	missingOut        chan<- []envelope.Hash
}

// NewProcessor builds a Processor writing hash shortfalls to missingOut.
func NewProcessor(s *store.Store, allowUnsolicited bool, peerLabel string, missingOut chan<- []envelope.Hash) *Processor {
	return &Processor{store: s, allowUnsolicited: allowUnsolicited, peerLabel: peerLabel, missingOut: missingOut}
}

// ProcessBatch authenticates and inserts every envelope in batch, then
// computes which of their referenced tips/ancestors are not yet known
// locally and forwards those hashes for the missing-envelope fetcher.
func (p *Processor) ProcessBatch(ctx context.Context, batch []*envelope.Envelope) error {
	known := make(map[envelope.Hash]struct{}, len(batch))
	for _, e := range batch {
		if p.insert(e) {
			known[e.CanonicalHash()] = struct{}{}
		}
	}

	referenced := referencedHashes(batch)
	var shortfall []envelope.Hash
	for _, h := range referenced {
		if _, ok := known[h]; ok {
			continue
		}
		exists, err := p.store.MessageExists(h)
		if err != nil {
			return err
		}
		if !exists {
			shortfall = append(shortfall, h)
		}
	}

	if _, err := p.store.AttachTips(); err != nil {
		return err
	}

	if len(shortfall) > 0 {
		select {
		case p.missingOut <- shortfall:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Processor) insert(e *envelope.Envelope) bool {
	auth, err := envelope.Authenticate(e)
	if err != nil {
		EnvelopesDropped.WithLabelValues(p.peerLabel, "auth").Inc()
		return false
	}

	if e.Header.Ancestors == nil {
		if !p.allowUnsolicited {
			if _, err := p.store.GetTipForUserByKey(e.Header.Key); errors.Is(err, store.ErrNotFound) {
				EnvelopesDropped.WithLabelValues(p.peerLabel, "unsolicited_genesis").Inc()
				return false
			}
		}
		if _, err := p.store.InsertUserByGenesis(e.Header.Key.String(), auth); err != nil {
			EnvelopesDropped.WithLabelValues(p.peerLabel, "insert").Inc()
			return false
		}
		EnvelopesProcessed.WithLabelValues(p.peerLabel).Inc()
		return true
	}

	// A non-genesis envelope from an author this node has never created a
	// user row for is dropped outright, per spec.md section 4.D point 2 --
	// the store itself tolerates a child arriving before its genesis (it
	// leaves user_id NULL and backfills it once the genesis lands, for
	// the connectedness property of spec.md S2), but that tolerance is a
	// storage-schema concern, not license for the pipeline to accept
	// chains it has no user record for at all.
	known, err := p.store.UserExists(e.Header.Key)
	if err != nil {
		EnvelopesDropped.WithLabelValues(p.peerLabel, "insert").Inc()
		return false
	}
	if !known {
		EnvelopesDropped.WithLabelValues(p.peerLabel, "unknown_author").Inc()
		return false
	}

	if err := p.store.TryInsertAuthenticated(auth); err != nil {
		EnvelopesDropped.WithLabelValues(p.peerLabel, "insert").Inc()
		return false
	}
	EnvelopesProcessed.WithLabelValues(p.peerLabel).Inc()
	return true
}

// referencedHashes collects every ancestor and tip hash a batch of
// envelopes points at, the candidate set for tips-minus-known.
func referencedHashes(batch []*envelope.Envelope) []envelope.Hash {
	var out []envelope.Hash
	for _, e := range batch {
		if e.Header.Ancestors != nil {
			out = append(out, e.Header.Ancestors.PrevMsg)
		}
		for _, tip := range e.Header.Tips {
			out = append(out, tip.Hash)
		}
	}
	return out
}
